//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/containerd/log"

	"github.com/linblock/linblock/renderer/worker"
)

// The renderer worker is spawned by the supervisor, never by hand. It
// applies its resource limits, connects back over the supervisor's unix
// socket and serves render RPCs until told to shut down.
func main() {
	var (
		cfg   worker.Config
		debug bool
	)
	flag.StringVar(&cfg.SocketPath, "socket", "", "Supervisor IPC socket path")
	flag.StringVar(&cfg.ShmName, "shm-name", "", "Shared memory frame channel name")
	flag.IntVar(&cfg.Width, "width", 1080, "Framebuffer width in pixels")
	flag.IntVar(&cfg.Height, "height", 1920, "Framebuffer height in pixels")
	flag.StringVar(&cfg.LibraryPath, "library", "", "Native translation library path")
	flag.Int64Var(&cfg.Limits.MaxMemoryBytes, "max-memory", 0, "Address space limit in bytes (0 for unlimited)")
	flag.Uint64Var(&cfg.Limits.MaxOpenFiles, "max-files", 0, "Open file descriptor limit (0 for unlimited)")
	flag.Int64Var(&cfg.Limits.MaxProcesses, "max-procs", 0, "Process count limit (0 for unlimited)")
	flag.BoolVar(&debug, "debug", false, "Debug log level")
	flag.Parse()

	if debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("info")
	}

	ctx := context.Background()

	if err := run(ctx, cfg); err != nil {
		log.G(ctx).WithError(err).Error("worker exiting with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg worker.Config) error {
	if cfg.SocketPath == "" {
		return fmt.Errorf("a supervisor socket is required (-socket)")
	}
	if cfg.ShmName == "" {
		return fmt.Errorf("a frame channel name is required (-shm-name)")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("invalid framebuffer geometry %dx%d", cfg.Width, cfg.Height)
	}

	log.G(ctx).WithFields(log.Fields{
		"socket": cfg.SocketPath,
		"shm":    cfg.ShmName,
		"pid":    os.Getpid(),
	}).Debug("worker starting")

	return worker.Run(ctx, cfg)
}
