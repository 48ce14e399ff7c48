// Package config provides centralized configuration management for linblock.
// All configuration is loaded from a JSON file at /etc/linblock/config.json
// (overridable via LINBLOCK_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/linblock/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "LINBLOCK_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	VM       VMConfig       `json:"vm"`
	Renderer RendererConfig `json:"renderer"`
	Sandbox  SandboxConfig  `json:"sandbox"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem paths for linblock components
type PathsConfig struct {
	StateDir     string `json:"state_dir"`     // Sockets, locks, snapshot index
	LogDir       string `json:"log_dir"`       // Serial and worker logs
	QEMUPath     string `json:"qemu_path"`     // QEMU binary location (auto-discovered if empty)
	RendererPath string `json:"renderer_path"` // Renderer worker binary (auto-discovered if empty)
}

// VMConfig defines default virtual machine settings. Per-instance image
// paths and ports come from the caller; these are the resource defaults.
type VMConfig struct {
	MemoryMB     int    `json:"memory_mb"`     // Guest memory in MiB
	CPUCores     int    `json:"cpu_cores"`     // Number of vCPUs
	UseKVM       bool   `json:"use_kvm"`       // Enable KVM acceleration if the host supports it
	ScreenWidth  int    `json:"screen_width"`  // Guest display width
	ScreenHeight int    `json:"screen_height"` // Guest display height
	VNCPort      int    `json:"vnc_port"`      // Preferred VNC port (5900 = display :0)
	ADBPort      int    `json:"adb_port"`      // Host port forwarded to guest 5555
	GPUMode      string `json:"gpu_mode"`      // "host", "virgl" or "software"
}

// RendererConfig defines defaults for the sandboxed GPU renderer worker
type RendererConfig struct {
	Enabled     bool   `json:"enabled"`      // Spawn the renderer worker at start
	LibraryPath string `json:"library_path"` // Native GL translation library (stub renderer if empty/missing)
	UseSandbox  bool   `json:"use_sandbox"`  // Wrap the worker with OS sandboxing

	// GPUPipeTransport selects how guest GPU commands reach the host:
	// "unix" listens on the virtio-serial chardev socket, "vsock" dials
	// the guest endpoint directly.
	GPUPipeTransport string `json:"gpu_pipe_transport"`
	GPUPipeVsockCID  uint32 `json:"gpu_pipe_vsock_cid"`  // Guest context id (vsock transport only)
	GPUPipeVsockPort uint32 `json:"gpu_pipe_vsock_port"` // Guest port (vsock transport only)
}

// SandboxConfig defines resource limits applied to the renderer worker
type SandboxConfig struct {
	MaxMemoryBytes int64 `json:"max_memory_bytes"` // RLIMIT_AS / cgroup memory.max
	MaxOpenFiles   int   `json:"max_open_files"`   // RLIMIT_NOFILE
	MaxProcesses   int   `json:"max_processes"`    // RLIMIT_NPROC / cgroup pids.max
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// VMStartGrace is how long to wait after spawning QEMU before checking
	// that the process survived startup. Default: 1s.
	VMStartGrace string `json:"vm_start_grace"`

	// ShutdownGrace is how long to wait for graceful VM shutdown before SIGKILL.
	// Default: 10s.
	ShutdownGrace string `json:"shutdown_grace"`

	// DisplayConnect is the timeout for the VNC handshake.
	// Default: 10s.
	DisplayConnect string `json:"display_connect"`

	// WorkerConnect is how long to wait for the renderer worker to dial back
	// after being spawned. Default: 10s.
	WorkerConnect string `json:"worker_connect"`

	// WorkerRPC is the per-request timeout for renderer RPCs.
	// Default: 5s.
	WorkerRPC string `json:"worker_rpc"`
}

// GetVMStartGrace returns the VM start grace period as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetVMStartGrace() time.Duration {
	return mustParseDuration(t.VMStartGrace)
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration.
func (t *TimeoutsConfig) GetShutdownGrace() time.Duration {
	return mustParseDuration(t.ShutdownGrace)
}

// GetDisplayConnect returns the display connect timeout as a time.Duration.
func (t *TimeoutsConfig) GetDisplayConnect() time.Duration {
	return mustParseDuration(t.DisplayConnect)
}

// GetWorkerConnect returns the worker connect timeout as a time.Duration.
func (t *TimeoutsConfig) GetWorkerConnect() time.Duration {
	return mustParseDuration(t.WorkerConnect)
}

// GetWorkerRPC returns the worker RPC timeout as a time.Duration.
func (t *TimeoutsConfig) GetWorkerRPC() time.Duration {
	return mustParseDuration(t.WorkerRPC)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get()
// calls are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from LINBLOCK_CONFIG env var or the default path.
// A missing file yields the built-in defaults rather than an error so the
// runtime works out of the box on a developer machine.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	cfg, err := LoadFrom(configPath)
	if err != nil && os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:     "/var/lib/linblock",
			LogDir:       "/var/log/linblock",
			QEMUPath:     "", // Auto-discovered
			RendererPath: "", // Auto-discovered
		},
		VM: VMConfig{
			MemoryMB:     4096,
			CPUCores:     4,
			UseKVM:       true,
			ScreenWidth:  1080,
			ScreenHeight: 1920,
			VNCPort:      5900,
			ADBPort:      5555,
			GPUMode:      "software",
		},
		Renderer: RendererConfig{
			Enabled:          false,
			LibraryPath:      "",
			UseSandbox:       true,
			GPUPipeTransport: "unix",
			GPUPipeVsockCID:  3, // First guest CID
			GPUPipeVsockPort: 9000,
		},
		Sandbox: SandboxConfig{
			MaxMemoryBytes: 512 * 1024 * 1024,
			MaxOpenFiles:   64,
			MaxProcesses:   8,
		},
		Timeouts: TimeoutsConfig{
			VMStartGrace:   "1s",
			ShutdownGrace:  "10s",
			DisplayConnect: "10s",
			WorkerConnect:  "10s",
			WorkerRPC:      "5s",
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyVMDefaults(defaults)
	c.applyRendererDefaults(defaults)
	c.applySandboxDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	// QEMUPath and RendererPath are intentionally left empty for auto-discovery
}

func (c *Config) applyVMDefaults(defaults *Config) {
	if c.VM.MemoryMB == 0 {
		c.VM.MemoryMB = defaults.VM.MemoryMB
	}
	if c.VM.CPUCores == 0 {
		c.VM.CPUCores = defaults.VM.CPUCores
	}
	if c.VM.ScreenWidth == 0 {
		c.VM.ScreenWidth = defaults.VM.ScreenWidth
	}
	if c.VM.ScreenHeight == 0 {
		c.VM.ScreenHeight = defaults.VM.ScreenHeight
	}
	if c.VM.VNCPort == 0 {
		c.VM.VNCPort = defaults.VM.VNCPort
	}
	if c.VM.ADBPort == 0 {
		c.VM.ADBPort = defaults.VM.ADBPort
	}
	if c.VM.GPUMode == "" {
		c.VM.GPUMode = defaults.VM.GPUMode
	}
}

func (c *Config) applyRendererDefaults(defaults *Config) {
	if c.Renderer.GPUPipeTransport == "" {
		c.Renderer.GPUPipeTransport = defaults.Renderer.GPUPipeTransport
	}
	if c.Renderer.GPUPipeVsockCID == 0 {
		c.Renderer.GPUPipeVsockCID = defaults.Renderer.GPUPipeVsockCID
	}
	if c.Renderer.GPUPipeVsockPort == 0 {
		c.Renderer.GPUPipeVsockPort = defaults.Renderer.GPUPipeVsockPort
	}
}

func (c *Config) applySandboxDefaults(defaults *Config) {
	if c.Sandbox.MaxMemoryBytes == 0 {
		c.Sandbox.MaxMemoryBytes = defaults.Sandbox.MaxMemoryBytes
	}
	if c.Sandbox.MaxOpenFiles == 0 {
		c.Sandbox.MaxOpenFiles = defaults.Sandbox.MaxOpenFiles
	}
	if c.Sandbox.MaxProcesses == 0 {
		c.Sandbox.MaxProcesses = defaults.Sandbox.MaxProcesses
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.VMStartGrace == "" {
		c.Timeouts.VMStartGrace = defaults.Timeouts.VMStartGrace
	}
	if c.Timeouts.ShutdownGrace == "" {
		c.Timeouts.ShutdownGrace = defaults.Timeouts.ShutdownGrace
	}
	if c.Timeouts.DisplayConnect == "" {
		c.Timeouts.DisplayConnect = defaults.Timeouts.DisplayConnect
	}
	if c.Timeouts.WorkerConnect == "" {
		c.Timeouts.WorkerConnect = defaults.Timeouts.WorkerConnect
	}
	if c.Timeouts.WorkerRPC == "" {
		c.Timeouts.WorkerRPC = defaults.Timeouts.WorkerRPC
	}
}
