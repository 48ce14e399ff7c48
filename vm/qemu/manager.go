package qemu

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/linblock/linblock/internal/ports"
	"github.com/linblock/linblock/vm"
)

// Start validates the configuration, spawns the hypervisor process and
// begins monitoring it. It fails with ErrProcessBusy if a process is
// already starting or running. Validation failures leave the manager in
// StateError without spawning anything.
func (m *Manager) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(uint32(vm.StateStopped), uint32(vm.StateStarting)) &&
		!m.state.CompareAndSwap(uint32(vm.StateError), uint32(vm.StateStarting)) {
		return fmt.Errorf("%w (state %s)", ErrProcessBusy, m.State())
	}
	m.callbacks.Notify(vm.StateStarting)

	if err := m.validate(); err != nil {
		return err
	}

	if err := m.reassignPorts(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	args := buildCommandLine(m.cfg, m.kvmProbe())
	binary := m.binaryPath

	log.G(ctx).WithFields(log.Fields{
		"binary":  binary,
		"cmdline": strings.Join(args, " "),
	}).Info("qemu: starting vm process")

	cmd := exec.Command(binary, args...)
	stderr := &bytes.Buffer{}
	cmd.Stdout = nil
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		m.mu.Unlock()
		m.setError(fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("%w: %v", ErrProcessStartFailed, err)
	}

	m.cmd = cmd
	m.pid.Store(int64(cmd.Process.Pid))
	m.monitorDone = make(chan struct{})
	done := m.monitorDone
	m.mu.Unlock()

	go m.monitor(cmd, stderr, done)

	// Short grace period: catch binaries that exit immediately on a bad
	// flag or unreadable image.
	select {
	case <-done:
		msg := fmt.Sprintf("process exited during startup: %s", tailOf(stderr))
		m.setError(msg)
		return fmt.Errorf("%w: %s", ErrProcessStartFailed, msg)
	case <-ctx.Done():
		m.ForceStop()
		return ctx.Err()
	case <-time.After(m.startGrace):
	}

	m.setState(vm.StateRunning)
	log.G(ctx).WithField("pid", m.PID()).Info("qemu: vm process running")
	return nil
}

// validate checks that the hypervisor binary is invocable and the system
// image exists. Failures transition to StateError without a spawn.
func (m *Manager) validate() error {
	if _, err := exec.LookPath(m.binaryPath); err != nil {
		m.setError(fmt.Sprintf("hypervisor binary %q not found", m.binaryPath))
		return fmt.Errorf("%w: %q", ErrProcessUnavailable, m.binaryPath)
	}

	m.mu.Lock()
	image := m.cfg.SystemImage
	m.mu.Unlock()

	if image == "" {
		m.setError("no system image specified")
		return fmt.Errorf("%w: no system image specified", ErrImageNotFound)
	}
	if _, err := os.Stat(image); err != nil {
		m.setError(fmt.Sprintf("system image not found: %s", image))
		return fmt.Errorf("%w: %s", ErrImageNotFound, image)
	}
	return nil
}

// reassignPorts probes the configured ADB and VNC ports and linearly moves
// each to the next free port on conflict, so two instances requesting the
// same ports can run side by side.
func (m *Manager) reassignPorts(ctx context.Context) error {
	m.mu.Lock()
	adbWant := m.cfg.ADBPort
	vncWant := m.cfg.VNCPort
	m.mu.Unlock()

	// Observers run synchronously on state transitions and may call back
	// into the manager, so the lock must not be held across setError.
	adb, err := ports.Ensure(adbWant)
	if err != nil {
		m.setError(fmt.Sprintf("no free adb port near %d", adbWant))
		return fmt.Errorf("adb port: %w", err)
	}
	vnc, err := ports.Ensure(vncWant)
	if err != nil {
		m.setError(fmt.Sprintf("no free vnc port near %d", vncWant))
		return fmt.Errorf("vnc port: %w", err)
	}

	if adb != adbWant || vnc != vncWant {
		log.G(ctx).WithFields(log.Fields{
			"adb": adb,
			"vnc": vnc,
		}).Info("qemu: reassigned conflicting ports")
	}
	m.mu.Lock()
	m.cfg.ADBPort = adb
	m.cfg.VNCPort = vnc
	m.mu.Unlock()
	return nil
}

// monitor reaps the process and converts its exit into a state transition.
// Stop owns the transition while a deliberate shutdown is in flight.
func (m *Manager) monitor(cmd *exec.Cmd, stderr *bytes.Buffer, done chan struct{}) {
	err := cmd.Wait()
	m.pid.Store(0)

	if vm.State(m.state.Load()) != vm.StateStopping {
		if err == nil {
			m.setState(vm.StateStopped)
		} else {
			m.setError(fmt.Sprintf("vm process exited: %v: %s", err, tailOf(stderr)))
		}
	}
	close(done)
}

// Stop terminates the process gracefully, escalating to SIGKILL after the
// timeout. It is a no-op when already stopped and always converges to
// StateStopped, joining the monitor goroutine.
func (m *Manager) Stop(ctx context.Context, timeout time.Duration) error {
	if m.State() == vm.StateStopped {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	m.setState(vm.StateStopping)

	m.mu.Lock()
	cmd := m.cmd
	done := m.monitorDone
	m.cmd = nil
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		m.pid.Store(0)
		m.setState(vm.StateStopped)
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(timeout):
		log.G(ctx).Warn("qemu: graceful shutdown timed out, killing process")
		_ = cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(forceKillWait):
			log.G(ctx).Error("qemu: process did not exit after SIGKILL")
		}
	}

	m.pid.Store(0)
	m.setState(vm.StateStopped)
	return nil
}

// ForceStop kills the process immediately. It never returns an error and is
// safe to call from cleanup and failure paths at any time.
func (m *Manager) ForceStop() {
	m.mu.Lock()
	cmd := m.cmd
	done := m.monitorDone
	m.cmd = nil
	m.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		if done != nil {
			select {
			case <-done:
			case <-time.After(forceKillWait):
			}
		}
	}
	m.pid.Store(0)
	m.setState(vm.StateStopped)
}

// Cleanup stops the process if needed and removes any socket files created
// for this instance. It is idempotent.
func (m *Manager) Cleanup() {
	m.ForceStop()
	m.callbacks.Clear()

	m.mu.Lock()
	pipeSocket := m.cfg.GPUPipeSocket
	m.mu.Unlock()

	if pipeSocket != "" {
		if err := os.Remove(pipeSocket); err != nil && !os.IsNotExist(err) {
			log.L.WithError(err).WithField("path", pipeSocket).Warn("qemu: failed to remove gpu pipe socket")
		}
	}
}

// VNCAddress returns the host address of the VM's framebuffer server,
// reflecting any port reassignment performed during Start.
func (m *Manager) VNCAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("localhost:%d", m.cfg.VNCPort)
}

// VNCPort returns the effective VNC port.
func (m *Manager) VNCPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.VNCPort
}

// ADBPort returns the effective ADB forward port.
func (m *Manager) ADBPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.ADBPort
}

// GPUPipeSocket returns the configured virtio-serial chardev socket path.
func (m *Manager) GPUPipeSocket() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.GPUPipeSocket
}

// tailOf returns the last captured bytes of a process output buffer.
func tailOf(b *bytes.Buffer) string {
	s := b.String()
	if len(s) > maxCapturedLogBytes {
		s = s[len(s)-maxCapturedLogBytes:]
	}
	return strings.TrimSpace(s)
}
