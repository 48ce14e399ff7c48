package renderer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/linblock/linblock/sandbox"
	"github.com/linblock/linblock/vm"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRPCTimeout     = 5 * time.Second
	shutdownRPCTimeout    = time.Second
	terminateWait         = 3 * time.Second
)

var (
	// ErrWorkerConnectTimeout means the spawned worker never connected
	// back within the bounded accept window.
	ErrWorkerConnectTimeout = errors.New("renderer worker did not connect in time")

	// ErrWorkerStartFailed wraps spawn and handshake failures.
	ErrWorkerStartFailed = errors.New("renderer worker failed to start")

	// ErrNotRunning is returned by RPCs when the worker is not running.
	ErrNotRunning = errors.New("renderer worker not running")
)

// WorkerError carries a non-OK response from the worker.
type WorkerError struct {
	Op      MessageType
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s failed: %s", e.Op, e.Message)
}

// Config describes one renderer worker instance.
type Config struct {
	// WorkerPath is the worker executable.
	WorkerPath string

	// SocketPath and ShmName default to pid-derived unique values when
	// empty.
	SocketPath string
	ShmName    string

	// Frame geometry the worker allocates its shared-memory channel for.
	Width  int
	Height int

	// LibraryPath optionally points at the native GL translation library.
	// The worker falls back to its software generator when empty or when
	// the load fails.
	LibraryPath string

	// UseSandbox wraps the spawn with the best available isolation tool.
	// Disabled in CI where no tooling exists.
	UseSandbox bool

	// Limits passed to the worker for in-process hardening, and applied
	// as cgroup bounds when the host supports it.
	Limits sandbox.Limits

	// LogPath receives the worker's stderr. Empty discards it.
	LogPath string

	ConnectTimeout time.Duration
	RPCTimeout     time.Duration
}

// Process supervises one renderer worker: socket-before-spawn startup,
// sandbox wrapping, the INIT gate and synchronous RPCs. One Process owns
// at most one live worker.
type Process struct {
	mu    sync.Mutex
	state atomic.Uint32

	cfg Config

	listener   net.Listener
	conn       net.Conn
	cmd        *exec.Cmd
	pid        atomic.Int64
	waitDone   chan struct{}
	logFile    *os.File
	cgroupFree func()

	sandboxMode sandbox.Mode
	errMsg      string
}

// defaultSeq disambiguates fallback socket and shm names when several
// supervisors live in one host process.
var defaultSeq atomic.Uint32

// NewProcess creates a supervisor for the given worker configuration.
// Nothing is spawned until Start.
func NewProcess(cfg Config) *Process {
	if cfg.SocketPath == "" || cfg.ShmName == "" {
		seq := defaultSeq.Add(1)
		if cfg.SocketPath == "" {
			cfg.SocketPath = filepath.Join(os.TempDir(), fmt.Sprintf("linblock_renderer_%d_%d.sock", os.Getpid(), seq))
		}
		if cfg.ShmName == "" {
			cfg.ShmName = fmt.Sprintf("/linblock_display_%d_%d", os.Getpid(), seq)
		}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	return &Process{cfg: cfg}
}

// State returns the worker lifecycle state.
func (p *Process) State() vm.State {
	return vm.State(p.state.Load())
}

// PID returns the worker process id, or 0 when not running.
func (p *Process) PID() int {
	return int(p.pid.Load())
}

// ShmName returns the shared-memory name the worker publishes frames to.
func (p *Process) ShmName() string {
	return p.cfg.ShmName
}

// SocketPath returns the IPC socket path.
func (p *Process) SocketPath() string {
	return p.cfg.SocketPath
}

// SandboxMode reports the isolation mode the worker was spawned under,
// meaningful after Start.
func (p *Process) SandboxMode() sandbox.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxMode
}

// ErrorMessage returns the last captured failure description.
func (p *Process) ErrorMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg
}

func (p *Process) setState(s vm.State) {
	p.state.Store(uint32(s))
}

func (p *Process) setError(msg string) {
	p.mu.Lock()
	p.errMsg = msg
	p.mu.Unlock()
	p.setState(vm.StateError)
}

// Start binds the IPC socket, spawns the worker inside the sandbox
// wrapper, waits for it to connect back and gates on a successful INIT.
// Any failure rolls back every acquired resource.
func (p *Process) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(uint32(vm.StateStopped), uint32(vm.StateStarting)) &&
		!p.state.CompareAndSwap(uint32(vm.StateError), uint32(vm.StateStarting)) {
		return fmt.Errorf("%w: worker in state %s", ErrWorkerStartFailed, p.State())
	}

	success := false
	defer func() {
		if !success {
			p.teardown(ctx)
		}
	}()

	if _, err := exec.LookPath(p.cfg.WorkerPath); err != nil {
		p.setError(fmt.Sprintf("worker binary %q not found", p.cfg.WorkerPath))
		return fmt.Errorf("%w: %v", ErrWorkerStartFailed, err)
	}

	// Bind before spawn so the worker never races the listener.
	if err := os.Remove(p.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		p.setError(fmt.Sprintf("stale socket: %v", err))
		return fmt.Errorf("%w: %v", ErrWorkerStartFailed, err)
	}
	listener, err := net.Listen("unix", p.cfg.SocketPath)
	if err != nil {
		p.setError(fmt.Sprintf("bind %s: %v", p.cfg.SocketPath, err))
		return fmt.Errorf("%w: %v", ErrWorkerStartFailed, err)
	}
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	argv := p.workerArgs()
	caps := sandbox.Capabilities{}
	mode := sandbox.ModeNone
	if p.cfg.UseSandbox {
		caps = sandbox.Probe(ctx)
		argv, mode = sandbox.Wrap(ctx, caps, argv)
		if mode == sandbox.ModeNone {
			log.G(ctx).Warn("renderer: sandbox requested but unavailable, worker runs unconfined")
		}
	}
	p.mu.Lock()
	p.sandboxMode = mode
	p.mu.Unlock()

	log.G(ctx).WithFields(log.Fields{
		"worker":  p.cfg.WorkerPath,
		"socket":  p.cfg.SocketPath,
		"shm":     p.cfg.ShmName,
		"sandbox": mode.String(),
	}).Info("renderer: starting worker")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if p.cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(p.cfg.LogPath), 0o755); err == nil {
			if f, err := os.OpenFile(p.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				cmd.Stderr = f
				p.mu.Lock()
				p.logFile = f
				p.mu.Unlock()
			}
		}
	}

	if err := cmd.Start(); err != nil {
		p.setError(fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("%w: %v", ErrWorkerStartFailed, err)
	}

	waitDone := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waitDone)
	}()

	p.mu.Lock()
	p.cmd = cmd
	p.waitDone = waitDone
	p.mu.Unlock()
	p.pid.Store(int64(cmd.Process.Pid))

	conn, err := p.acceptWorker(listener)
	if err != nil {
		p.setError(err.Error())
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	if p.cfg.UseSandbox && caps.CgroupV2 {
		name := fmt.Sprintf("linblock-renderer-%d", cmd.Process.Pid)
		free, err := sandbox.AttachCgroup(ctx, name, cmd.Process.Pid, p.cfg.Limits)
		if err != nil {
			// In-process rlimits still apply; cgroup bounds are extra.
			log.G(ctx).WithError(err).Warn("renderer: cgroup limits unavailable")
		} else {
			p.mu.Lock()
			p.cgroupFree = free
			p.mu.Unlock()
		}
	}

	if _, err := p.rpcLocked(MsgInit, nil, p.cfg.RPCTimeout); err != nil {
		p.setError(fmt.Sprintf("init handshake: %v", err))
		return fmt.Errorf("%w: init: %v", ErrWorkerStartFailed, err)
	}

	p.setState(vm.StateRunning)
	log.G(ctx).WithField("pid", p.PID()).Info("renderer: worker running")
	success = true
	return nil
}

func (p *Process) workerArgs() []string {
	args := []string{
		p.cfg.WorkerPath,
		"--socket", p.cfg.SocketPath,
		"--shm-name", p.cfg.ShmName,
		"--width", strconv.Itoa(p.cfg.Width),
		"--height", strconv.Itoa(p.cfg.Height),
	}
	if p.cfg.LibraryPath != "" {
		args = append(args, "--library", p.cfg.LibraryPath)
	}
	if p.cfg.Limits.MaxMemoryBytes > 0 {
		args = append(args, "--max-memory", strconv.FormatInt(p.cfg.Limits.MaxMemoryBytes, 10))
	}
	if p.cfg.Limits.MaxOpenFiles > 0 {
		args = append(args, "--max-files", strconv.FormatUint(p.cfg.Limits.MaxOpenFiles, 10))
	}
	if p.cfg.Limits.MaxProcesses > 0 {
		args = append(args, "--max-procs", strconv.FormatInt(p.cfg.Limits.MaxProcesses, 10))
	}
	return args
}

func (p *Process) acceptWorker(listener net.Listener) (net.Conn, error) {
	ul, ok := listener.(*net.UnixListener)
	if ok {
		_ = ul.SetDeadline(time.Now().Add(p.cfg.ConnectTimeout))
	}
	conn, err := listener.Accept()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, fmt.Errorf("%w after %s", ErrWorkerConnectTimeout, p.cfg.ConnectTimeout)
		}
		return nil, fmt.Errorf("%w: accept: %v", ErrWorkerStartFailed, err)
	}
	return conn, nil
}

// rpc performs one synchronous request/response exchange, failing fast
// when the worker is not running.
func (p *Process) rpc(t MessageType, payload []byte) ([]byte, error) {
	if p.State() != vm.StateRunning {
		return nil, fmt.Errorf("%w: cannot send %s", ErrNotRunning, t)
	}
	return p.rpcLocked(t, payload, p.cfg.RPCTimeout)
}

func (p *Process) rpcLocked(t MessageType, payload []byte, timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, ErrNotRunning
	}
	deadline := time.Now().Add(timeout)
	_ = p.conn.SetDeadline(deadline)
	defer p.conn.SetDeadline(time.Time{})

	if err := WriteRequest(p.conn, t, payload); err != nil {
		return nil, err
	}
	status, resp, err := ReadResponse(p.conn)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, &WorkerError{Op: t, Message: string(resp)}
	}
	return resp, nil
}

// ProcessCommands forwards one guest command buffer and waits for the
// worker to publish the resulting frame.
func (p *Process) ProcessCommands(data []byte) error {
	_, err := p.rpc(MsgProcessCommands, data)
	return err
}

// Resize asks the worker to recreate its frame channel at the new
// geometry. Consumers must re-open the shared memory afterwards.
func (p *Process) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", width, height)
	}
	_, err := p.rpc(MsgResize, EncodeResize(width, height))
	return err
}

// SetRotation sets the display rotation in degrees.
func (p *Process) SetRotation(degrees int) error {
	_, err := p.rpc(MsgRotate, EncodeRotate(degrees))
	return err
}

// Stop shuts the worker down: best-effort SHUTDOWN RPC, then escalating
// termination, then socket removal. Safe to call at any time, including
// on a never-started process.
func (p *Process) Stop(ctx context.Context) {
	if p.State() == vm.StateStopped {
		return
	}
	p.setState(vm.StateStopping)

	// Best effort; a hung worker is handled by the terminate below.
	if _, err := p.rpcLocked(MsgShutdown, nil, shutdownRPCTimeout); err != nil && !errors.Is(err, ErrNotRunning) {
		log.G(ctx).WithError(err).Debug("renderer: shutdown rpc failed")
	}

	p.teardown(ctx)
	p.setState(vm.StateStopped)
}

// teardown releases every acquired resource independently so a failure in
// one step never leaks the others.
func (p *Process) teardown(ctx context.Context) {
	p.mu.Lock()
	conn := p.conn
	listener := p.listener
	cmd := p.cmd
	waitDone := p.waitDone
	logFile := p.logFile
	cgroupFree := p.cgroupFree
	p.conn = nil
	p.listener = nil
	p.cmd = nil
	p.waitDone = nil
	p.logFile = nil
	p.cgroupFree = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if listener != nil {
		listener.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(terminateWait):
			log.G(ctx).Warn("renderer: worker ignored SIGTERM, killing")
			_ = cmd.Process.Kill()
			select {
			case <-waitDone:
			case <-time.After(terminateWait):
				log.G(ctx).Error("renderer: worker did not exit after SIGKILL")
			}
		}
	}
	p.pid.Store(0)

	if cgroupFree != nil {
		cgroupFree()
	}
	if logFile != nil {
		logFile.Close()
	}
	if err := os.Remove(p.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		log.G(ctx).WithError(err).Warn("renderer: failed to remove ipc socket")
	}
}
