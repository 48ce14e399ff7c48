package paths

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linblock/linblock/internal/config"
)

func TestPerInstanceNamesAreUnique(t *testing.T) {
	cfg := config.PathsConfig{StateDir: "/var/lib/linblock"}
	pid := os.Getpid()

	// Two instances inside one host process must not share sockets or
	// shared-memory regions.
	a := RendererSocketPath(cfg, pid, "aaaa1111")
	b := RendererSocketPath(cfg, pid, "bbbb2222")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, cfg.StateDir))

	assert.NotEqual(t, DisplayShmName(pid, "aaaa1111"), DisplayShmName(pid, "bbbb2222"))
	assert.NotEqual(t, GPUPipeSocketPath(cfg, pid, "aaaa1111"), GPUPipeSocketPath(cfg, pid, "bbbb2222"))

	// Distinct host processes stay distinct for the same instance id.
	assert.NotEqual(t, RendererSocketPath(cfg, pid, "aaaa1111"), RendererSocketPath(cfg, pid+1, "aaaa1111"))
}

func TestDisplayShmNameShape(t *testing.T) {
	name := DisplayShmName(123, "cafe0123")
	// shm_open(3) names are a single path component starting with "/".
	require.True(t, strings.HasPrefix(name, "/"))
	assert.NotContains(t, name[1:], "/")
}

func TestQemuPathHonorsOverride(t *testing.T) {
	cfg := config.PathsConfig{QEMUPath: "/opt/qemu/bin/qemu-system-x86_64"}
	assert.Equal(t, cfg.QEMUPath, QemuPath(cfg))
}

func TestRendererWorkerPathHonorsOverride(t *testing.T) {
	cfg := config.PathsConfig{RendererPath: "/opt/linblock/linblock-renderer"}
	assert.Equal(t, cfg.RendererPath, RendererWorkerPath(cfg))
}
