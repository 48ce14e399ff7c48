//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/linblock/linblock/emulator"
	"github.com/linblock/linblock/internal/config"
)

func main() {
	var (
		inst       emulator.InstanceConfig
		configFile string
		debug      bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.BoolVar(&debug, "debug", false, "Debug log level")
	flag.StringVar(&inst.Name, "name", "", "Instance name")
	flag.StringVar(&inst.SystemImage, "system", "", "Path to the system image")
	flag.StringVar(&inst.UserdataImage, "userdata", "", "Path to the userdata image")
	flag.StringVar(&inst.DataImage, "data", "", "Path to the sdcard/data image")
	flag.StringVar(&inst.CdromImage, "cdrom", "", "Path to an ISO image")
	flag.StringVar(&inst.Kernel, "kernel", "", "Path to the guest kernel")
	flag.StringVar(&inst.Initrd, "initrd", "", "Path to the guest initrd")
	flag.StringVar(&inst.KernelCmdline, "cmdline", "", "Guest kernel command line override")
	flag.Parse()

	if debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("info")
	}

	ctx := context.Background()

	if err := run(ctx, configFile, inst); err != nil {
		log.G(ctx).WithError(err).Error("exiting with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string, inst emulator.InstanceConfig) error {
	if inst.SystemImage == "" {
		return fmt.Errorf("a system image is required (-system)")
	}

	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFrom(configFile)
	} else {
		cfg, err = config.Get()
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	core := emulator.New(cfg)
	if err := core.Initialize(ctx, inst); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer core.Cleanup(ctx)

	if err := core.Start(ctx); err != nil {
		return err
	}

	info := core.Info()
	log.G(ctx).WithFields(log.Fields{
		"instance": info.InstanceID,
		"name":     info.Name,
		"pid":      info.PID,
		"vnc":      info.VNCAddress,
	}).Info("instance running")

	s := make(chan os.Signal, 1)
	signal.Notify(s, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	stopped := make(chan struct{})
	token := core.OnStateChange(func(st emulator.State) {
		if st == emulator.StateStopped || st == emulator.StateError {
			select {
			case <-stopped:
			default:
				close(stopped)
			}
		}
	})
	defer core.RemoveStateCallback(token)

	select {
	case sig := <-s:
		log.G(ctx).WithField("signal", sig).Info("received shutdown signal")
		stopCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.GetShutdownGrace()+5*time.Second)
		defer cancel()
		return core.Stop(stopCtx)
	case <-stopped:
		// The guest powered off (or the VM process died) on its own.
		if msg := core.Info().LastError; msg != "" {
			return fmt.Errorf("instance failed: %s", msg)
		}
		return nil
	}
}
