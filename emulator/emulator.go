// Package emulator orchestrates one virtual device instance: the VM
// process, its display transport, and the optional accelerated render
// path (GPU command pipe + sandboxed renderer worker).
package emulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/linblock/linblock/display"
	"github.com/linblock/linblock/gpupipe"
	"github.com/linblock/linblock/internal/config"
	"github.com/linblock/linblock/internal/paths"
	"github.com/linblock/linblock/internal/snapstore"
	"github.com/linblock/linblock/renderer"
	"github.com/linblock/linblock/sandbox"
	"github.com/linblock/linblock/vm"
	"github.com/linblock/linblock/vm/qemu"
)

const (
	defaultDisplayAttempts = 5
	defaultDisplayBackoff  = 500 * time.Millisecond
)

var (
	// ErrNotInitialized means Initialize has not been called (or Cleanup
	// ran since).
	ErrNotInitialized = errors.New("emulator not initialized")

	// ErrAlreadyInitialized means Initialize was called twice without an
	// intervening Cleanup.
	ErrAlreadyInitialized = errors.New("emulator already initialized")

	// ErrInvalidState means the operation is not legal in the current
	// lifecycle state.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrStartFailed wraps hard failures during Start.
	ErrStartFailed = errors.New("emulator start failed")
)

// InstanceConfig is the per-instance input to Initialize: the disk images
// and boot material for one virtual device. Resource defaults come from
// the global configuration.
type InstanceConfig struct {
	Name string

	SystemImage   string
	UserdataImage string
	DataImage     string
	CdromImage    string
	Kernel        string
	Initrd        string
	KernelCmdline string

	// ExtraArgs are appended verbatim to the hypervisor command line.
	ExtraArgs []string
}

// Info is a point-in-time status snapshot.
type Info struct {
	InstanceID string
	Name       string
	State      State
	PID        int
	MemoryMB   int
	Uptime     time.Duration
	VNCAddress string
	LastError  string
}

// Core drives the instance lifecycle state machine:
// Stopped → Starting → Running ⇄ Paused → Stopping → Stopped, with Error
// reachable from Starting and Running. Error clears only through
// Cleanup followed by a fresh Initialize.
type Core struct {
	mu    sync.Mutex
	state atomic.Uint32

	cfg  *config.Config
	inst InstanceConfig

	instanceID  string
	initialized bool

	vmMgr *qemu.Manager
	disp  *display.Client
	rend  *renderer.Process
	pipe  *gpupipe.Pipe
	snaps *snapstore.Store

	startedAt time.Time
	lastError string

	callbacks *stateRegistry

	// Test seams
	vmOptions       []qemu.Option
	displayAttempts int
	displayBackoff  time.Duration
}

// Option configures a Core.
type Option func(*Core)

// WithVMOptions forwards options to the VM process manager.
func WithVMOptions(opts ...qemu.Option) Option {
	return func(c *Core) { c.vmOptions = append(c.vmOptions, opts...) }
}

// WithDisplayRetry overrides the display attach retry policy.
func WithDisplayRetry(attempts int, backoff time.Duration) Option {
	return func(c *Core) {
		c.displayAttempts = attempts
		c.displayBackoff = backoff
	}
}

// New creates an uninitialized Core bound to the global configuration.
func New(cfg *config.Config, opts ...Option) *Core {
	c := &Core{
		cfg:             cfg,
		callbacks:       newStateRegistry(),
		displayAttempts: defaultDisplayAttempts,
		displayBackoff:  defaultDisplayBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	return State(c.state.Load())
}

// InstanceID returns the unique id assigned at Initialize, or empty.
func (c *Core) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// OnStateChange registers a state observer and returns a removal token.
func (c *Core) OnStateChange(cb StateCallback) int {
	return c.callbacks.add(cb)
}

// RemoveStateCallback unregisters an observer.
func (c *Core) RemoveStateCallback(token int) {
	c.callbacks.remove(token)
}

func (c *Core) setState(s State) {
	old := State(c.state.Swap(uint32(s)))
	if old != s {
		c.callbacks.notify(s)
	}
}

func (c *Core) setError(msg string) {
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
	c.setState(StateError)
}

// Initialize wires the instance components from configuration without
// starting anything. It is re-callable only after Cleanup.
func (c *Core) Initialize(ctx context.Context, inst InstanceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return ErrAlreadyInitialized
	}

	instanceID := uuid.New().String()[:8]
	if inst.Name == "" {
		inst.Name = "device-" + instanceID
	}

	vmCfg := &vm.Config{
		SystemImage:   inst.SystemImage,
		UserdataImage: inst.UserdataImage,
		DataImage:     inst.DataImage,
		CdromImage:    inst.CdromImage,
		Kernel:        inst.Kernel,
		Initrd:        inst.Initrd,
		KernelCmdline: inst.KernelCmdline,
		ExtraArgs:     inst.ExtraArgs,
		MemoryMB:      c.cfg.VM.MemoryMB,
		CPUCores:      c.cfg.VM.CPUCores,
		UseKVM:        c.cfg.VM.UseKVM,
		ScreenWidth:   c.cfg.VM.ScreenWidth,
		ScreenHeight:  c.cfg.VM.ScreenHeight,
		VNCPort:       c.cfg.VM.VNCPort,
		ADBPort:       c.cfg.VM.ADBPort,
		GPUMode:       vm.ParseGPUMode(c.cfg.VM.GPUMode),
		SerialLog:     paths.SerialLogPath(c.cfg.Paths, instanceID),
	}
	if c.cfg.Renderer.Enabled && c.cfg.Renderer.GPUPipeTransport != "vsock" {
		// The vsock transport dials the guest directly and needs no
		// chardev socket on the command line.
		vmCfg.GPUPipeSocket = paths.GPUPipeSocketPath(c.cfg.Paths, os.Getpid(), instanceID)
	}
	if err := os.MkdirAll(c.cfg.Paths.LogDir+"/"+instanceID, 0o755); err != nil {
		vmCfg.SerialLog = "" // fall back to stdio routing
	}

	vmOpts := append([]qemu.Option{
		qemu.WithBinary(paths.QemuPath(c.cfg.Paths)),
		qemu.WithStartGrace(c.cfg.Timeouts.GetVMStartGrace()),
	}, c.vmOptions...)

	snaps, err := snapstore.Open(paths.SnapshotIndexPath(c.cfg.Paths))
	if err != nil {
		return fmt.Errorf("snapshot index: %w", err)
	}

	c.vmMgr = qemu.NewManager(vmCfg, vmOpts...)
	c.snaps = snaps
	c.watchVM(ctx)

	if c.cfg.Renderer.Enabled {
		c.rend = renderer.NewProcess(renderer.Config{
			WorkerPath:  paths.RendererWorkerPath(c.cfg.Paths),
			SocketPath:  paths.RendererSocketPath(c.cfg.Paths, os.Getpid(), instanceID),
			ShmName:     paths.DisplayShmName(os.Getpid(), instanceID),
			Width:       c.cfg.VM.ScreenWidth,
			Height:      c.cfg.VM.ScreenHeight,
			LibraryPath: c.cfg.Renderer.LibraryPath,
			UseSandbox:  c.cfg.Renderer.UseSandbox,
			Limits: sandbox.Limits{
				MaxMemoryBytes: c.cfg.Sandbox.MaxMemoryBytes,
				MaxOpenFiles:   uint64(c.cfg.Sandbox.MaxOpenFiles),
				MaxProcesses:   int64(c.cfg.Sandbox.MaxProcesses),
			},
			LogPath:        paths.WorkerLogPath(c.cfg.Paths, instanceID),
			ConnectTimeout: c.cfg.Timeouts.GetWorkerConnect(),
			RPCTimeout:     c.cfg.Timeouts.GetWorkerRPC(),
		})
	}

	c.inst = inst
	c.instanceID = instanceID
	c.lastError = ""
	c.initialized = true
	c.state.Store(uint32(StateStopped))

	log.G(ctx).WithFields(log.Fields{
		"instance": instanceID,
		"name":     inst.Name,
	}).Info("emulator: initialized")
	return nil
}

// Start brings the instance up: VM process first, then the optional
// accelerated render path, then the display transport. Display attach
// failure is tolerated (the VM runs headless); hard failures transition
// to Error.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.mu.Unlock()

	if !c.state.CompareAndSwap(uint32(StateStopped), uint32(StateStarting)) &&
		!c.state.CompareAndSwap(uint32(StateError), uint32(StateStarting)) {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, c.State())
	}
	c.callbacks.notify(StateStarting)

	if err := c.vmMgr.Start(ctx); err != nil {
		c.setError(fmt.Sprintf("vm start: %v", err))
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	c.startRenderPath(ctx)

	if err := c.attachDisplay(ctx); err != nil {
		// Tolerated: input and frames are unavailable but the VM runs.
		log.G(ctx).WithError(err).Warn("emulator: display attach failed, running headless")
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.setState(StateRunning)

	log.G(ctx).WithFields(log.Fields{
		"instance": c.InstanceID(),
		"pid":      c.vmMgr.PID(),
		"vnc":      c.vmMgr.VNCAddress(),
	}).Info("emulator: running")
	return nil
}

// watchVM propagates VM process deaths up to the orchestrator. A clean
// exit while Running or Paused means the guest powered off; a process
// error surfaces as Error. Transitions the orchestrator itself drives
// (Stopping, restarts) are not forwarded.
func (c *Core) watchVM(ctx context.Context) {
	mgr := c.vmMgr
	mgr.Callbacks().Add(func(s vm.State) {
		switch s {
		case vm.StateStopped:
			if c.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopped)) ||
				c.state.CompareAndSwap(uint32(StatePaused), uint32(StateStopped)) {
				log.G(ctx).Info("emulator: guest powered off")
				c.callbacks.notify(StateStopped)
			}
		case vm.StateError:
			msg := mgr.ErrorMessage()
			if c.state.CompareAndSwap(uint32(StateRunning), uint32(StateError)) ||
				c.state.CompareAndSwap(uint32(StatePaused), uint32(StateError)) {
				c.mu.Lock()
				c.lastError = msg
				c.mu.Unlock()
				log.G(ctx).WithField("error", msg).Warn("emulator: vm process failed")
				c.callbacks.notify(StateError)
			}
		}
	})
}

// startRenderPath spawns the renderer worker and the GPU command pipe
// feeding it. Both are optional acceleration; failures degrade to the
// display-only path and are logged, not fatal.
func (c *Core) startRenderPath(ctx context.Context) {
	c.mu.Lock()
	rend := c.rend
	c.mu.Unlock()
	if rend == nil {
		return
	}

	if err := rend.Start(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("emulator: renderer unavailable, using display transport only")
		return
	}

	pipe := gpupipe.New(
		c.gpuPipeTransport(),
		func(pkt *gpupipe.Packet) ([]byte, error) {
			return nil, rend.ProcessCommands(pkt.Payload)
		},
		func(err error) {
			log.G(ctx).WithError(err).Warn("emulator: gpu pipe handler failed")
		},
	)
	if err := pipe.Start(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("emulator: gpu pipe unavailable")
		rend.Stop(ctx)
		return
	}

	c.mu.Lock()
	c.pipe = pipe
	c.mu.Unlock()
}

// gpuPipeTransport selects the guest GPU command transport from
// configuration: the virtio-serial chardev socket by default, or a direct
// vsock dial when the hypervisor exposes the stream over virtio-vsock.
func (c *Core) gpuPipeTransport() gpupipe.Transport {
	if c.cfg.Renderer.GPUPipeTransport == "vsock" {
		return &gpupipe.VsockTransport{
			ContextID: c.cfg.Renderer.GPUPipeVsockCID,
			Port:      c.cfg.Renderer.GPUPipeVsockPort,
		}
	}
	return &gpupipe.UnixServerTransport{Path: c.vmMgr.GPUPipeSocket()}
}

// attachDisplay connects the RFB client to the VM's framebuffer server
// with bounded retries; the server needs a moment to come up after spawn.
func (c *Core) attachDisplay(ctx context.Context) error {
	addr := c.vmMgr.VNCAddress()
	client := display.NewClient(addr,
		display.WithConnectTimeout(c.cfg.Timeouts.GetDisplayConnect()))

	var err error
	for attempt := 1; attempt <= c.displayAttempts; attempt++ {
		if err = client.Connect(ctx); err == nil {
			c.mu.Lock()
			c.disp = client
			c.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.displayBackoff):
		}
	}
	return fmt.Errorf("display attach to %s: %w", addr, err)
}

// Display returns the attached display client, or nil when headless.
func (c *Core) Display() *display.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disp
}

// Renderer returns the renderer process, or nil when disabled.
func (c *Core) Renderer() *renderer.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rend
}

// Stop shuts the instance down: display first, then the render path,
// then the VM process. A no-op when already Stopped.
func (c *Core) Stop(ctx context.Context) error {
	switch c.State() {
	case StateStopped:
		return nil
	case StateRunning, StatePaused, StateStarting:
	default:
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, c.State())
	}
	c.setState(StateStopping)

	c.detachAll(ctx)

	if err := c.vmMgr.Stop(ctx, c.cfg.Timeouts.GetShutdownGrace()); err != nil {
		log.G(ctx).WithError(err).Warn("emulator: vm stop reported error")
	}

	c.setState(StateStopped)
	return nil
}

// detachAll tears down display, pipe and renderer. Each step runs
// independently of the others' failures.
func (c *Core) detachAll(ctx context.Context) {
	c.mu.Lock()
	disp := c.disp
	pipe := c.pipe
	rend := c.rend
	c.disp = nil
	c.pipe = nil
	c.mu.Unlock()

	if disp != nil {
		disp.Disconnect()
	}
	if pipe != nil {
		pipe.Stop()
	}
	if rend != nil {
		rend.Stop(ctx)
	}
}

// Pause marks the instance paused. This is a state flag only: the
// hypervisor keeps executing, as there is no suspend primitive on this
// control path.
func (c *Core) Pause() error {
	if !c.state.CompareAndSwap(uint32(StateRunning), uint32(StatePaused)) {
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, c.State())
	}
	c.callbacks.notify(StatePaused)
	return nil
}

// Resume clears the paused flag.
func (c *Core) Resume() error {
	if !c.state.CompareAndSwap(uint32(StatePaused), uint32(StateRunning)) {
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, c.State())
	}
	c.callbacks.notify(StateRunning)
	return nil
}

// Reset restarts a running instance; on a stopped one it is a no-op.
func (c *Core) Reset(ctx context.Context) error {
	switch c.State() {
	case StateRunning, StatePaused:
		if err := c.Stop(ctx); err != nil {
			return err
		}
		return c.Start(ctx)
	default:
		return nil
	}
}

// SendKey forwards a key event to the guest when a display is attached.
func (c *Core) SendKey(key uint32, down bool) {
	if disp := c.Display(); disp != nil {
		disp.SendKey(key, down)
	}
}

// SendPointer forwards a pointer event to the guest when a display is
// attached.
func (c *Core) SendPointer(x, y int, buttons uint8) {
	if disp := c.Display(); disp != nil {
		disp.SendPointer(x, y, buttons)
	}
}

// Info returns a status snapshot.
func (c *Core) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		InstanceID: c.instanceID,
		Name:       c.inst.Name,
		State:      State(c.state.Load()),
		MemoryMB:   c.cfg.VM.MemoryMB,
		LastError:  c.lastError,
	}
	if c.vmMgr != nil {
		info.VNCAddress = c.vmMgr.VNCAddress()
		if info.State == StateRunning || info.State == StatePaused {
			info.PID = c.vmMgr.PID()
			info.Uptime = time.Since(c.startedAt)
		}
	}
	return info
}

// Cleanup force-terminates everything the instance owns regardless of
// prior failures, clears observers and returns to an uninitialized
// Stopped state. Idempotent.
func (c *Core) Cleanup(ctx context.Context) {
	c.detachAll(ctx)

	c.mu.Lock()
	vmMgr := c.vmMgr
	snaps := c.snaps
	c.vmMgr = nil
	c.rend = nil
	c.snaps = nil
	c.initialized = false
	c.lastError = ""
	c.mu.Unlock()

	if vmMgr != nil {
		vmMgr.Cleanup()
	}
	if snaps != nil {
		if err := snaps.Close(); err != nil {
			log.G(ctx).WithError(err).Warn("emulator: snapshot index close failed")
		}
	}

	c.callbacks.clear()
	c.state.Store(uint32(StateStopped))
	log.G(ctx).Info("emulator: cleaned up")
}
