package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateVM(); err != nil {
		return fmt.Errorf("vm: %w", err)
	}
	if err := c.validateRenderer(); err != nil {
		return fmt.Errorf("renderer: %w", err)
	}
	if err := c.validateSandbox(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}

	if c.Paths.QEMUPath != "" {
		if err := validateExecutable(c.Paths.QEMUPath, "qemu_path"); err != nil {
			return err
		}
	}
	if c.Paths.RendererPath != "" {
		if err := validateExecutable(c.Paths.RendererPath, "renderer_path"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateVM() error {
	if c.VM.MemoryMB < 256 {
		return fmt.Errorf("memory_mb: must be >= 256, got %d", c.VM.MemoryMB)
	}
	if c.VM.CPUCores < 1 {
		return fmt.Errorf("cpu_cores: must be >= 1, got %d", c.VM.CPUCores)
	}
	if c.VM.ScreenWidth < 1 || c.VM.ScreenHeight < 1 {
		return fmt.Errorf("screen dimensions must be positive, got %dx%d", c.VM.ScreenWidth, c.VM.ScreenHeight)
	}
	if c.VM.VNCPort < 5900 || c.VM.VNCPort > 65535 {
		return fmt.Errorf("vnc_port: must be in [5900, 65535], got %d", c.VM.VNCPort)
	}
	if c.VM.ADBPort < 1024 || c.VM.ADBPort > 65535 {
		return fmt.Errorf("adb_port: must be in [1024, 65535], got %d", c.VM.ADBPort)
	}
	switch c.VM.GPUMode {
	case "host", "virgl", "software":
	default:
		return fmt.Errorf("gpu_mode: must be \"host\", \"virgl\" or \"software\", got %q", c.VM.GPUMode)
	}
	return nil
}

func (c *Config) validateRenderer() error {
	switch c.Renderer.GPUPipeTransport {
	case "unix":
	case "vsock":
		if c.Renderer.GPUPipeVsockCID < 3 {
			return fmt.Errorf("gpu_pipe_vsock_cid: guest context ids start at 3, got %d", c.Renderer.GPUPipeVsockCID)
		}
		if c.Renderer.GPUPipeVsockPort == 0 {
			return fmt.Errorf("gpu_pipe_vsock_port: cannot be 0")
		}
	default:
		return fmt.Errorf("gpu_pipe_transport: must be \"unix\" or \"vsock\", got %q", c.Renderer.GPUPipeTransport)
	}
	return nil
}

func (c *Config) validateSandbox() error {
	if c.Sandbox.MaxMemoryBytes < 0 {
		return fmt.Errorf("max_memory_bytes: must be >= 0, got %d", c.Sandbox.MaxMemoryBytes)
	}
	if c.Sandbox.MaxOpenFiles < 0 {
		return fmt.Errorf("max_open_files: must be >= 0, got %d", c.Sandbox.MaxOpenFiles)
	}
	if c.Sandbox.MaxProcesses < 0 {
		return fmt.Errorf("max_processes: must be >= 0, got %d", c.Sandbox.MaxProcesses)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"vm_start_grace":  c.Timeouts.VMStartGrace,
		"shutdown_grace":  c.Timeouts.ShutdownGrace,
		"display_connect": c.Timeouts.DisplayConnect,
		"worker_connect":  c.Timeouts.WorkerConnect,
		"worker_rpc":      c.Timeouts.WorkerRPC,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
