package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"vm": {"memory_mb": 2048}}`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 2048, cfg.VM.MemoryMB)
	assert.Equal(t, 4, cfg.VM.CPUCores)
	assert.Equal(t, "/var/lib/linblock", cfg.Paths.StateDir)
	assert.Equal(t, "unix", cfg.Renderer.GPUPipeTransport)
	assert.Equal(t, "1s", cfg.Timeouts.VMStartGrace)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadFromMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"vm": `)
	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv(ConfigEnvVar, filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"vm": {"cpu_cores": 2}}`)
	t.Setenv(ConfigEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.VM.CPUCores)
}

func TestGetCachesAcrossCalls(t *testing.T) {
	t.Setenv(ConfigEnvVar, filepath.Join(t.TempDir(), "absent.json"))
	Reset()
	t.Cleanup(Reset)

	first, err := Get()
	require.NoError(t, err)
	second, err := Get()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "memory too small",
			mutate: func(c *Config) { c.VM.MemoryMB = 128 },
			want:   "memory_mb",
		},
		{
			name:   "no cpu cores",
			mutate: func(c *Config) { c.VM.CPUCores = 0 },
			want:   "cpu_cores",
		},
		{
			name:   "vnc port below display range",
			mutate: func(c *Config) { c.VM.VNCPort = 80 },
			want:   "vnc_port",
		},
		{
			name:   "privileged adb port",
			mutate: func(c *Config) { c.VM.ADBPort = 443 },
			want:   "adb_port",
		},
		{
			name:   "unknown gpu mode",
			mutate: func(c *Config) { c.VM.GPUMode = "metal" },
			want:   "gpu_mode",
		},
		{
			name:   "zero screen width",
			mutate: func(c *Config) { c.VM.ScreenWidth = 0 },
			want:   "screen dimensions",
		},
		{
			name:   "unknown gpu pipe transport",
			mutate: func(c *Config) { c.Renderer.GPUPipeTransport = "tcp" },
			want:   "gpu_pipe_transport",
		},
		{
			name: "vsock transport with host cid",
			mutate: func(c *Config) {
				c.Renderer.GPUPipeTransport = "vsock"
				c.Renderer.GPUPipeVsockCID = 2
			},
			want: "gpu_pipe_vsock_cid",
		},
		{
			name: "vsock transport without port",
			mutate: func(c *Config) {
				c.Renderer.GPUPipeTransport = "vsock"
				c.Renderer.GPUPipeVsockPort = 0
			},
			want: "gpu_pipe_vsock_port",
		},
		{
			name:   "empty state dir",
			mutate: func(c *Config) { c.Paths.StateDir = "" },
			want:   "state_dir",
		},
		{
			name:   "negative memory limit",
			mutate: func(c *Config) { c.Sandbox.MaxMemoryBytes = -1 },
			want:   "max_memory_bytes",
		},
		{
			name:   "garbage timeout",
			mutate: func(c *Config) { c.Timeouts.ShutdownGrace = "soon" },
			want:   "shutdown_grace",
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.Timeouts.WorkerRPC = "-5s" },
			want:   "worker_rpc",
		},
		{
			name:   "absurd timeout",
			mutate: func(c *Config) { c.Timeouts.DisplayConnect = "25h" },
			want:   "display_connect",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateQEMUPathMustBeExecutable(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "qemu")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	cfg := DefaultConfig()
	cfg.Paths.QEMUPath = plain
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")

	require.NoError(t, os.Chmod(plain, 0o755))
	require.NoError(t, cfg.Validate())
}

func TestTimeoutAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.VMStartGrace = "750ms"
	cfg.Timeouts.ShutdownGrace = "2s"

	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.GetVMStartGrace())
	assert.Equal(t, 2*time.Second, cfg.Timeouts.GetShutdownGrace())
	assert.Equal(t, 10*time.Second, cfg.Timeouts.GetDisplayConnect())
	assert.Equal(t, 10*time.Second, cfg.Timeouts.GetWorkerConnect())
	assert.Equal(t, 5*time.Second, cfg.Timeouts.GetWorkerRPC())
}
