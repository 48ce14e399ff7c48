// Package kvm probes /dev/kvm so the launch command line can choose
// between KVM acceleration and plain software emulation.
package kvm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// KVM_GET_API_VERSION from <linux/kvm.h>. The kernel's stable KVM API
// always reports 12; anything else is a development kernel we refuse.
const (
	kvmGetAPIVersion = 0xAE00
	stableAPIVersion = 12
)

// Usable reports whether the host can accelerate guests with KVM.
// Any failure means falling back to software emulation.
func Usable() bool {
	return Check() == nil
}

// Check opens /dev/kvm and verifies the stable API version. The returned
// error says why acceleration is unavailable: missing module, missing
// device permissions or an unsupported API.
func Check() error {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open /dev/kvm: %w", err)
	}
	defer unix.Close(fd)

	version, err := unix.IoctlRetInt(fd, kvmGetAPIVersion)
	if err != nil {
		return fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	if version != stableAPIVersion {
		return fmt.Errorf("unsupported kvm api version %d", version)
	}
	return nil
}
