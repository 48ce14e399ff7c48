// Package paths provides standard filesystem paths used by linblock.
// These helpers take configuration as input to avoid global config coupling.
// QemuPath and RendererPath may probe the filesystem when auto-discovering.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/linblock/linblock/internal/config"
)

// QemuPath returns the full path to the qemu-system-x86_64 binary based on
// the provided configuration
func QemuPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.QEMUPath != "" {
		return pathsCfg.QEMUPath
	}

	return discoverQemuPath()
}

// RendererWorkerPath returns the path to the renderer worker binary based on
// the provided configuration
func RendererWorkerPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.RendererPath != "" {
		return pathsCfg.RendererPath
	}

	return discoverRendererPath()
}

// RendererSocketPath returns the per-instance Unix socket path used for
// renderer IPC. The path carries the host pid and the instance id so
// neither concurrent host processes nor multiple instances inside one
// process collide.
func RendererSocketPath(pathsCfg config.PathsConfig, pid int, instanceID string) string {
	return filepath.Join(pathsCfg.StateDir, fmt.Sprintf("linblock_renderer_%d_%s.sock", pid, instanceID))
}

// DisplayShmName returns the per-instance POSIX shared memory name carrying
// rendered frames. Names start with "/" per shm_open(3).
func DisplayShmName(pid int, instanceID string) string {
	return fmt.Sprintf("/linblock_display_%d_%s", pid, instanceID)
}

// GPUPipeSocketPath returns the per-instance Unix socket path that QEMU's
// virtio-serial chardev connects to.
func GPUPipeSocketPath(pathsCfg config.PathsConfig, pid int, instanceID string) string {
	return filepath.Join(pathsCfg.StateDir, fmt.Sprintf("linblock_gpu_pipe_%d_%s.sock", pid, instanceID))
}

// SnapshotIndexPath returns the path of the bbolt database indexing named
// VM snapshots.
func SnapshotIndexPath(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, "snapshots.db")
}

// SerialLogPath returns the default serial console log path for an instance.
func SerialLogPath(pathsCfg config.PathsConfig, instanceID string) string {
	return filepath.Join(pathsCfg.LogDir, instanceID, "serial.log")
}

// WorkerLogPath returns the default renderer worker log path for an instance.
func WorkerLogPath(pathsCfg config.PathsConfig, instanceID string) string {
	return filepath.Join(pathsCfg.LogDir, instanceID, "renderer.log")
}

// discoverQemuPath attempts to find the qemu-system-x86_64 binary
func discoverQemuPath() string {
	candidates := []string{
		"/usr/bin/qemu-system-x86_64",
		"/usr/local/bin/qemu-system-x86_64",
		"/usr/libexec/qemu-system-x86_64",
	}

	for _, path := range candidates {
		if fileExists(path) {
			return path
		}
	}

	// Default fallback
	return "/usr/bin/qemu-system-x86_64"
}

// discoverRendererPath attempts to find the linblock-renderer binary.
// The binary installed next to the running executable wins so development
// builds pick up their own worker.
func discoverRendererPath() string {
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "linblock-renderer"))
	}
	candidates = append(candidates,
		"/usr/local/lib/linblock/linblock-renderer",
		"/usr/lib/linblock/linblock-renderer",
	)

	for _, path := range candidates {
		if fileExists(path) {
			return path
		}
	}

	return "/usr/local/lib/linblock/linblock-renderer"
}

// fileExists checks if a file exists, resolving symlinks to the real path.
// This surfaces the real target but does not prevent TOCTOU issues.
func fileExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}
