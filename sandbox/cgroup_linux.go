package sandbox

import (
	"context"
	"fmt"

	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/log"
)

const cgroupMountpoint = "/sys/fs/cgroup"

// AttachCgroup places pid into a fresh cgroup2 group carrying the given
// limits and returns a release function deleting the group. Best used for
// the renderer worker, whose in-process rlimits do not bound child
// processes spawned inside its pid namespace.
func AttachCgroup(ctx context.Context, name string, pid int, limits Limits) (func(), error) {
	res := &cgroup2.Resources{}
	if limits.MaxMemoryBytes > 0 {
		max := limits.MaxMemoryBytes
		res.Memory = &cgroup2.Memory{Max: &max}
	}
	if limits.MaxProcesses > 0 {
		res.Pids = &cgroup2.Pids{Max: limits.MaxProcesses}
	}

	mgr, err := cgroup2.NewManager(cgroupMountpoint, "/"+name, res)
	if err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", name, err)
	}
	if err := mgr.AddProc(uint64(pid)); err != nil {
		if delErr := mgr.Delete(); delErr != nil {
			log.G(ctx).WithError(delErr).Warn("sandbox: orphaned cgroup after failed attach")
		}
		return nil, fmt.Errorf("attach pid %d to cgroup %s: %w", pid, name, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"cgroup": name,
		"pid":    pid,
	}).Debug("sandbox: worker attached to cgroup")

	return func() {
		if err := mgr.Delete(); err != nil {
			log.G(ctx).WithError(err).Warn("sandbox: cgroup delete failed")
		}
	}, nil
}
