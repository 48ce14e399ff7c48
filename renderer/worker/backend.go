// Package worker implements the sandboxed renderer worker process: it
// hardens itself, connects back to its supervisor, translates guest GPU
// command buffers into frames and publishes them over shared memory.
package worker

import (
	"context"

	"github.com/containerd/log"
)

// Backend turns guest command buffers into pixel frames.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// ProcessCommands consumes one opaque command buffer and renders the
	// next frame as BGRA pixels at the current geometry.
	ProcessCommands(commands []byte, frameNumber uint64, rotation int) ([]byte, error)
	// Resize changes the output geometry.
	Resize(width, height int) error
	// Cleanup releases backend resources.
	Cleanup()
}

// SelectBackend picks the rendering backend once at startup: the native
// GL translation library when configured and loadable, otherwise the
// built-in software generator. The software path is a first-class
// fallback, not an error state.
func SelectBackend(ctx context.Context, libraryPath string, width, height int) Backend {
	if libraryPath != "" {
		native, err := loadNative(libraryPath, width, height)
		if err == nil {
			log.G(ctx).WithField("library", libraryPath).Info("worker: native render backend loaded")
			return native
		}
		log.G(ctx).WithError(err).WithField("library", libraryPath).
			Warn("worker: native backend unavailable, using software renderer")
	}
	return newSoftwareBackend(width, height)
}
