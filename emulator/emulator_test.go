package emulator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linblock/linblock/gpupipe"
	"github.com/linblock/linblock/internal/config"
	"github.com/linblock/linblock/vm/qemu"
)

func fakeHypervisor(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu-system-x86_64")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.VM.MemoryMB = 512
	cfg.VM.CPUCores = 1
	cfg.VM.UseKVM = false
	cfg.VM.VNCPort = 5971
	cfg.VM.ADBPort = 25555
	cfg.Renderer.Enabled = false
	cfg.Timeouts.VMStartGrace = "50ms"
	cfg.Timeouts.ShutdownGrace = "1s"
	return cfg
}

func testInstance(t *testing.T) InstanceConfig {
	t.Helper()
	image := filepath.Join(t.TempDir(), "system.img")
	require.NoError(t, os.WriteFile(image, []byte("fake"), 0o644))
	return InstanceConfig{Name: "test-device", SystemImage: image}
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c := New(testConfig(t),
		WithVMOptions(qemu.WithBinary(fakeHypervisor(t)), qemu.WithStartGrace(50*time.Millisecond)),
		// Nothing serves VNC in these tests; fail attach fast and run
		// headless.
		WithDisplayRetry(1, 10*time.Millisecond),
	)
	t.Cleanup(func() { c.Cleanup(context.Background()) })
	return c
}

func TestFullLifecycle(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	assert.Equal(t, StateStopped, c.State())
	assert.NotEmpty(t, c.InstanceID())

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateRunning, c.State())
	assert.Greater(t, c.Info().PID, 0)

	require.NoError(t, c.Pause())
	assert.Equal(t, StatePaused, c.State())

	require.NoError(t, c.Resume())
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())

	c.Cleanup(ctx)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 0, c.Info().PID)

	// A cleaned-up core accepts a fresh Initialize.
	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	assert.Equal(t, StateStopped, c.State())
}

func TestStartWithoutInitialize(t *testing.T) {
	c := newTestCore(t)
	require.ErrorIs(t, c.Start(context.Background()), ErrNotInitialized)
}

func TestInitializeTwice(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	require.ErrorIs(t, c.Initialize(ctx, testInstance(t)), ErrAlreadyInitialized)
}

func TestStartMissingImageEntersError(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	inst := testInstance(t)
	inst.SystemImage = filepath.Join(t.TempDir(), "missing.img")
	require.NoError(t, c.Initialize(ctx, inst))

	err := c.Start(ctx)
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Equal(t, StateError, c.State())
	assert.NotEmpty(t, c.Info().LastError)
}

func TestStartWhileRunning(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	require.NoError(t, c.Start(ctx))

	require.ErrorIs(t, c.Start(ctx), ErrInvalidState)
	assert.Equal(t, StateRunning, c.State())
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())
}

func TestPauseResumePreconditions(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))

	require.ErrorIs(t, c.Pause(), ErrInvalidState)
	require.ErrorIs(t, c.Resume(), ErrInvalidState)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Pause())

	// Pausing twice is invalid; so is resuming a running instance.
	require.ErrorIs(t, c.Pause(), ErrInvalidState)
	require.NoError(t, c.Resume())
	require.ErrorIs(t, c.Resume(), ErrInvalidState)
}

func TestResetRestartsRunningInstance(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))

	// Reset while stopped is a no-op.
	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, StateStopped, c.State())

	require.NoError(t, c.Start(ctx))
	firstPID := c.Info().PID

	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, StateRunning, c.State())
	assert.NotEqual(t, firstPID, c.Info().PID)
}

func TestStateTransitionOrder(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, seen)
}

func TestInfoFields(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))

	info := c.Info()
	assert.Equal(t, "test-device", info.Name)
	assert.Equal(t, StateStopped, info.State)
	assert.Equal(t, 512, info.MemoryMB)
	assert.Zero(t, info.PID)
	assert.Zero(t, info.Uptime)

	require.NoError(t, c.Start(ctx))
	info = c.Info()
	assert.Equal(t, StateRunning, info.State)
	assert.Greater(t, info.PID, 0)
	assert.NotEmpty(t, info.VNCAddress)
}

func TestSnapshotLifecycle(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))

	// Snapshots require a live instance.
	_, err := c.SaveSnapshot(ctx, "too-early")
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, c.Start(ctx))

	path, err := c.SaveSnapshot(ctx, "checkpoint")
	require.NoError(t, err)
	assert.Contains(t, path, "checkpoint")
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	snap, err := c.LoadSnapshot(ctx, "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, "checkpoint", snap.Name)
	assert.Equal(t, path, snap.Path)
	assert.Equal(t, 512, snap.MemoryMB)

	snaps, err := c.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	require.NoError(t, c.DeleteSnapshot(ctx, "checkpoint"))
	_, err = c.LoadSnapshot(ctx, "checkpoint")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestLoadSnapshotWhileStopped(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	require.NoError(t, c.Start(ctx))

	_, err := c.SaveSnapshot(ctx, "cold")
	require.NoError(t, err)
	require.NoError(t, c.Stop(ctx))

	// Loading only needs an initialized instance.
	snap, err := c.LoadSnapshot(ctx, "cold")
	require.NoError(t, err)
	assert.Equal(t, "cold", snap.Name)
}

func TestCleanupIdempotent(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	require.NoError(t, c.Start(ctx))

	c.Cleanup(ctx)
	assert.Equal(t, StateStopped, c.State())

	c.Cleanup(ctx)
	assert.Equal(t, StateStopped, c.State())
}

func TestCleanupClearsError(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	inst := testInstance(t)
	inst.SystemImage = "/nonexistent.img"
	require.NoError(t, c.Initialize(ctx, inst))
	require.Error(t, c.Start(ctx))
	require.Equal(t, StateError, c.State())

	c.Cleanup(ctx)
	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateRunning, c.State())
}

func TestGPUPipeTransportSelection(t *testing.T) {
	ctx := context.Background()

	newCore := func(t *testing.T, cfg *config.Config) *Core {
		t.Helper()
		c := New(cfg,
			WithVMOptions(qemu.WithBinary(fakeHypervisor(t)), qemu.WithStartGrace(50*time.Millisecond)),
			WithDisplayRetry(1, 10*time.Millisecond),
		)
		t.Cleanup(func() { c.Cleanup(context.Background()) })
		require.NoError(t, c.Initialize(ctx, testInstance(t)))
		return c
	}

	t.Run("unix default", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Renderer.Enabled = true
		c := newCore(t, cfg)

		tr, ok := c.gpuPipeTransport().(*gpupipe.UnixServerTransport)
		require.True(t, ok)
		assert.Contains(t, tr.Path, "linblock_gpu_pipe")
		// The chardev socket rides on the hypervisor command line.
		assert.Equal(t, tr.Path, c.vmMgr.GPUPipeSocket())
	})

	t.Run("vsock", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Renderer.Enabled = true
		cfg.Renderer.GPUPipeTransport = "vsock"
		cfg.Renderer.GPUPipeVsockCID = 4
		cfg.Renderer.GPUPipeVsockPort = 9100
		c := newCore(t, cfg)

		tr, ok := c.gpuPipeTransport().(*gpupipe.VsockTransport)
		require.True(t, ok)
		assert.Equal(t, uint32(4), tr.ContextID)
		assert.Equal(t, uint32(9100), tr.Port)
		// Dialing the guest directly needs no chardev socket.
		assert.Empty(t, c.vmMgr.GPUPipeSocket())
	})
}

func TestInputForwardingHeadless(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, testInstance(t)))
	require.NoError(t, c.Start(ctx))

	// No display attached; input is silently dropped.
	require.Nil(t, c.Display())
	c.SendKey(0xFF0D, true)
	c.SendPointer(100, 200, 1)
}
