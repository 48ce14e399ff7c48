// Package qemu supervises a QEMU process hosting one mobile OS instance.
package qemu

import (
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"

	"github.com/linblock/linblock/internal/kvm"
	"github.com/linblock/linblock/vm"
)

const (
	// DefaultBinary is the hypervisor binary used when none is configured.
	DefaultBinary = "qemu-system-x86_64"

	defaultStartGrace   = time.Second
	defaultStopTimeout  = 10 * time.Second
	forceKillWait       = 5 * time.Second
	maxCapturedLogBytes = 4096
)

// Typed errors surfaced by Manager lifecycle operations.
var (
	// ErrProcessBusy is returned by Start when the VM is already starting
	// or running.
	ErrProcessBusy = errors.New("vm process already running")

	// ErrProcessUnavailable means the hypervisor binary cannot be invoked.
	ErrProcessUnavailable = errors.New("hypervisor binary not available")

	// ErrImageNotFound means the configured system image does not exist.
	ErrImageNotFound = errors.New("system image not found")

	// ErrProcessStartFailed means the process spawned but died during the
	// startup grace period.
	ErrProcessStartFailed = errors.New("vm process failed to start")
)

// IsPortExhausted reports whether err came from port reassignment running
// out of candidates.
func IsPortExhausted(err error) bool {
	return errdefs.IsUnavailable(err)
}

// Manager supervises a single QEMU process: it builds the launch command
// line, spawns the process, monitors its exit, and terminates it with
// escalating force. One Manager owns at most one live process.
type Manager struct {
	// mu protects cfg port reassignment, cmd, stderr capture and errMsg.
	// State transitions are managed via the state atomic.
	mu    sync.Mutex
	state atomic.Uint32

	cfg        *vm.Config
	binaryPath string
	startGrace time.Duration

	cmd    *exec.Cmd
	pid    atomic.Int64 // 0 when no process is tracked
	errMsg string

	// monitorDone is closed by the monitor goroutine once the process has
	// been reaped.
	monitorDone chan struct{}

	callbacks *vm.CallbackRegistry

	// kvmProbe is swapped out in tests to pin the accel decision.
	kvmProbe func() bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithBinary overrides the hypervisor binary path.
func WithBinary(path string) Option {
	return func(m *Manager) { m.binaryPath = path }
}

// WithStartGrace overrides how long Start waits before verifying the
// process survived.
func WithStartGrace(d time.Duration) Option {
	return func(m *Manager) { m.startGrace = d }
}

// NewManager creates a Manager for the given configuration. Nothing is
// spawned until Start.
func NewManager(cfg *vm.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		binaryPath: DefaultBinary,
		startGrace: defaultStartGrace,
		callbacks:  vm.NewCallbackRegistry(),
		kvmProbe:   kvm.Usable,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() vm.State {
	return vm.State(m.state.Load())
}

// PID returns the tracked process id, or 0 if no process is alive.
func (m *Manager) PID() int {
	return int(m.pid.Load())
}

// ErrorMessage returns the last captured failure description.
func (m *Manager) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// Callbacks exposes the per-instance state observer registry.
func (m *Manager) Callbacks() *vm.CallbackRegistry {
	return m.callbacks
}

// setState stores the new state and notifies observers on change.
func (m *Manager) setState(s vm.State) {
	old := vm.State(m.state.Swap(uint32(s)))
	if old != s {
		m.callbacks.Notify(s)
	}
}

func (m *Manager) setError(msg string) {
	m.mu.Lock()
	m.errMsg = msg
	m.mu.Unlock()
	m.setState(vm.StateError)
}
