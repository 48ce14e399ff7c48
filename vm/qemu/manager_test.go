package qemu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linblock/linblock/vm"
)

// fakeHypervisor writes a shell script standing in for the QEMU binary.
// The script must exec so signals reach the only process.
func fakeHypervisor(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu-system-x86_64")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755)
	require.NoError(t, err)
	return path
}

func testConfig(t *testing.T) *vm.Config {
	t.Helper()
	image := filepath.Join(t.TempDir(), "system.img")
	require.NoError(t, os.WriteFile(image, []byte("fake"), 0o644))
	return &vm.Config{
		SystemImage:  image,
		MemoryMB:     512,
		CPUCores:     1,
		ScreenWidth:  720,
		ScreenHeight: 1280,
		VNCPort:      5901,
		ADBPort:      15555,
	}
}

func newTestManager(t *testing.T, cfg *vm.Config, script string) *Manager {
	t.Helper()
	m := NewManager(cfg,
		WithBinary(fakeHypervisor(t, script)),
		WithStartGrace(50*time.Millisecond),
	)
	m.kvmProbe = func() bool { return false }
	t.Cleanup(m.Cleanup)
	return m
}

func TestStartStop(t *testing.T) {
	m := newTestManager(t, testConfig(t), "exec sleep 30")

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, vm.StateRunning, m.State())
	assert.Greater(t, m.PID(), 0)

	require.NoError(t, m.Stop(context.Background(), time.Second))
	assert.Equal(t, vm.StateStopped, m.State())
	assert.Equal(t, 0, m.PID())
}

func TestStartWhileRunning(t *testing.T) {
	m := newTestManager(t, testConfig(t), "exec sleep 30")

	require.NoError(t, m.Start(context.Background()))
	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrProcessBusy)
	assert.Equal(t, vm.StateRunning, m.State())
}

func TestStartMissingImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.SystemImage = filepath.Join(t.TempDir(), "does-not-exist.img")
	m := newTestManager(t, cfg, "exec sleep 30")

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrImageNotFound)
	assert.Equal(t, vm.StateError, m.State())
	assert.Equal(t, 0, m.PID())
	assert.Contains(t, m.ErrorMessage(), "system image not found")
}

func TestStartMissingBinary(t *testing.T) {
	m := NewManager(testConfig(t),
		WithBinary("/nonexistent/qemu-system-x86_64"),
		WithStartGrace(50*time.Millisecond),
	)
	m.kvmProbe = func() bool { return false }

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrProcessUnavailable)
	assert.Equal(t, vm.StateError, m.State())
}

func TestStartCrashDuringGrace(t *testing.T) {
	m := newTestManager(t, testConfig(t), "echo boom >&2; exit 1")

	err := m.Start(context.Background())
	require.ErrorIs(t, err, ErrProcessStartFailed)
	assert.Equal(t, vm.StateError, m.State())
	assert.Equal(t, 0, m.PID())
	assert.Contains(t, m.ErrorMessage(), "boom")
}

func TestRestartAfterError(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, "exec sleep 30")

	good := cfg.SystemImage
	cfg.SystemImage = filepath.Join(t.TempDir(), "missing.img")
	require.ErrorIs(t, m.Start(context.Background()), ErrImageNotFound)

	cfg.SystemImage = good
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, vm.StateRunning, m.State())
}

func TestUnexpectedExitCleanShutdown(t *testing.T) {
	m := newTestManager(t, testConfig(t), "exec sleep 0.2")

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return m.State() == vm.StateStopped
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.PID())
}

func TestUnexpectedExitWithFailure(t *testing.T) {
	m := newTestManager(t, testConfig(t), "sleep 0.2; echo guest panic >&2; exit 3")

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return m.State() == vm.StateError
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, m.ErrorMessage(), "guest panic")
}

func TestStopIsNoOpWhenStopped(t *testing.T) {
	m := newTestManager(t, testConfig(t), "exec sleep 30")
	require.NoError(t, m.Stop(context.Background(), time.Second))
	assert.Equal(t, vm.StateStopped, m.State())
}

func TestStopEscalatesToKill(t *testing.T) {
	// The script ignores SIGTERM so graceful shutdown must escalate.
	m := newTestManager(t, testConfig(t), "trap '' TERM; sleep 30 >/dev/null 2>&1 & wait")

	require.NoError(t, m.Start(context.Background()))
	start := time.Now()
	require.NoError(t, m.Stop(context.Background(), 200*time.Millisecond))
	assert.Equal(t, vm.StateStopped, m.State())
	assert.Less(t, time.Since(start), forceKillWait+time.Second)
}

func TestForceStop(t *testing.T) {
	m := newTestManager(t, testConfig(t), "exec sleep 30")

	require.NoError(t, m.Start(context.Background()))
	m.ForceStop()
	assert.Equal(t, vm.StateStopped, m.State())
	assert.Equal(t, 0, m.PID())

	// Idempotent on a dead manager.
	m.ForceStop()
	assert.Equal(t, vm.StateStopped, m.State())
}

func TestPortReassignment(t *testing.T) {
	cfg := testConfig(t)

	// Occupy the requested VNC port so Start has to move it.
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.VNCPort))
	require.NoError(t, err)
	defer l.Close()

	m := newTestManager(t, cfg, "exec sleep 30")
	require.NoError(t, m.Start(context.Background()))

	assert.NotEqual(t, l.Addr().(*net.TCPAddr).Port, m.VNCPort())
	assert.Equal(t, fmt.Sprintf("localhost:%d", m.VNCPort()), m.VNCAddress())
}

func TestStartPortExhaustion(t *testing.T) {
	cfg := testConfig(t)
	// 65535 is the last candidate, so one occupied port exhausts the search.
	cfg.ADBPort = 65535

	l, err := net.Listen("tcp", "127.0.0.1:65535")
	if err == nil {
		defer l.Close()
	}

	m := newTestManager(t, cfg, "exec sleep 30")

	// Mirror the orchestrator: observers call back into the manager on
	// error transitions, so the failure path must not hold the lock while
	// notifying.
	var mu sync.Mutex
	var observed string
	m.Callbacks().Add(func(s vm.State) {
		if s == vm.StateError {
			mu.Lock()
			observed = m.ErrorMessage()
			mu.Unlock()
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsPortExhausted(err))
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return on port exhaustion")
	}

	assert.Equal(t, vm.StateError, m.State())
	mu.Lock()
	assert.Contains(t, observed, "no free adb port")
	mu.Unlock()

	// The manager stays usable after the failed start.
	require.NoError(t, m.Stop(context.Background(), time.Second))
}

func TestStateCallbacks(t *testing.T) {
	m := newTestManager(t, testConfig(t), "exec sleep 30")

	var mu sync.Mutex
	var seen []vm.State
	m.Callbacks().Add(func(s vm.State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background(), time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []vm.State{
		vm.StateStarting,
		vm.StateRunning,
		vm.StateStopping,
		vm.StateStopped,
	}, seen)
}

func TestCallbackPanicIsolated(t *testing.T) {
	m := newTestManager(t, testConfig(t), "exec sleep 30")

	m.Callbacks().Add(func(vm.State) { panic("observer bug") })
	var got vm.State
	var mu sync.Mutex
	m.Callbacks().Add(func(s vm.State) {
		mu.Lock()
		got = s
		mu.Unlock()
	})

	require.NoError(t, m.Start(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, vm.StateRunning, got)
}

func TestIsPortExhausted(t *testing.T) {
	assert.False(t, IsPortExhausted(errors.New("plain")))
	assert.False(t, IsPortExhausted(nil))
}
