// Package sandbox isolates the renderer worker process. It probes the host
// for available isolation primitives once, then wraps the worker spawn with
// the strongest tool found: namespace isolation via unshare, a
// capability-dropping firejail profile, or nothing at all. The degraded
// no-isolation case is always surfaced in logs, never silent.
package sandbox

import (
	"context"
	"errors"
	"os/exec"

	"github.com/containerd/log"
)

// Mode identifies the isolation mechanism wrapping a spawned process.
type Mode int

const (
	// ModeNone runs the process without any isolation.
	ModeNone Mode = iota
	// ModeNamespace uses unshare with net, mount and pid namespaces.
	ModeNamespace
	// ModeFirejail uses firejail with all capabilities dropped and
	// networking disabled.
	ModeFirejail
)

func (m Mode) String() string {
	switch m {
	case ModeNamespace:
		return "namespace"
	case ModeFirejail:
		return "firejail"
	default:
		return "none"
	}
}

// ErrDegraded marks a sandbox running without isolation. It is advisory:
// callers may proceed but must not treat the worker as contained.
var ErrDegraded = errors.New("no process isolation available")

// Limits bounds the worker's resource consumption.
type Limits struct {
	// MaxMemoryBytes caps the address space (and the cgroup memory limit
	// when available). Zero means no limit.
	MaxMemoryBytes int64
	// MaxOpenFiles caps open file descriptors. Zero means no limit.
	MaxOpenFiles uint64
	// MaxProcesses caps threads/processes. Zero means no limit.
	MaxProcesses int64
}

// Capabilities records which isolation primitives the host offers.
type Capabilities struct {
	Unshare        bool // unshare binary present
	Firejail       bool // firejail binary present
	UserNamespaces bool // unprivileged user namespaces allowed
	NetNamespaces  bool // network namespaces usable
	CgroupV2       bool // unified cgroup hierarchy mounted
	Seccomp        bool // kernel seccomp filter support
}

// Probe inspects the host once and returns its isolation capabilities.
func Probe(ctx context.Context) Capabilities {
	caps := Capabilities{
		Unshare:        binaryExists("unshare"),
		Firejail:       binaryExists("firejail"),
		UserNamespaces: userNamespacesAllowed(),
		NetNamespaces:  netNamespacesUsable(),
		CgroupV2:       cgroupV2Mounted(),
		Seccomp:        seccompAvailable(),
	}
	log.G(ctx).WithFields(log.Fields{
		"unshare":  caps.Unshare,
		"firejail": caps.Firejail,
		"userns":   caps.UserNamespaces,
		"netns":    caps.NetNamespaces,
		"cgroupv2": caps.CgroupV2,
		"seccomp":  caps.Seccomp,
	}).Debug("sandbox: host capability probe")
	return caps
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Wrap prefixes argv with the strongest available sandbox wrapper and
// reports the mode chosen. When no isolation is available the original
// argv is returned unchanged with ModeNone and a warning is logged; the
// caller decides whether degraded execution is acceptable.
func Wrap(ctx context.Context, caps Capabilities, argv []string) ([]string, Mode) {
	switch {
	case caps.Unshare && caps.NetNamespaces:
		return append(unshareArgs(caps), argv...), ModeNamespace
	case caps.Firejail:
		return append(firejailArgs(), argv...), ModeFirejail
	default:
		log.G(ctx).Warn("sandbox: no isolation tooling available, running worker unconfined")
		return argv, ModeNone
	}
}

func unshareArgs(caps Capabilities) []string {
	args := []string{"unshare", "--net", "--mount", "--pid", "--fork"}
	if caps.UserNamespaces {
		args = append(args, "--map-root-user")
	}
	return args
}

func firejailArgs() []string {
	return []string{"firejail", "--quiet", "--caps.drop=all", "--net=none", "--"}
}
