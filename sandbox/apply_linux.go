package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Apply hardens the calling process: resource limits plus the
// no-new-privileges flag. The worker calls this before reading any
// guest-derived data. Each step is attempted independently; failures are
// joined so partial hardening still sticks.
func Apply(limits Limits) error {
	var errs []error

	if limits.MaxMemoryBytes > 0 {
		rl := &unix.Rlimit{
			Cur: uint64(limits.MaxMemoryBytes),
			Max: uint64(limits.MaxMemoryBytes),
		}
		if err := unix.Setrlimit(unix.RLIMIT_AS, rl); err != nil {
			errs = append(errs, fmt.Errorf("rlimit as: %w", err))
		}
	}
	if limits.MaxOpenFiles > 0 {
		rl := &unix.Rlimit{Cur: limits.MaxOpenFiles, Max: limits.MaxOpenFiles}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, rl); err != nil {
			errs = append(errs, fmt.Errorf("rlimit nofile: %w", err))
		}
	}
	if limits.MaxProcesses > 0 {
		rl := &unix.Rlimit{
			Cur: uint64(limits.MaxProcesses),
			Max: uint64(limits.MaxProcesses),
		}
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, rl); err != nil {
			errs = append(errs, fmt.Errorf("rlimit nproc: %w", err))
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		errs = append(errs, fmt.Errorf("no_new_privs: %w", err))
	}

	return errors.Join(errs...)
}
