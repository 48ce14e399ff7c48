package sandbox

import (
	"os"
	"strings"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const cgroup2SuperMagic = 0x63677270

// userNamespacesAllowed checks whether unprivileged user namespaces are
// enabled. Root does not need them; the sysctl only gates unprivileged
// callers on kernels that ship it.
func userNamespacesAllowed() bool {
	if os.Geteuid() == 0 {
		return true
	}
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		// Sysctl absent: mainline kernels allow unprivileged userns.
		return true
	}
	return strings.TrimSpace(string(data)) == "1"
}

// netNamespacesUsable verifies the current process can at least resolve
// its own network namespace handle.
func netNamespacesUsable() bool {
	ns, err := netns.Get()
	if err != nil {
		return false
	}
	ns.Close()
	return true
}

func cgroupV2Mounted() bool {
	var st unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &st); err != nil {
		return false
	}
	return st.Type == cgroup2SuperMagic
}

func seccompAvailable() bool {
	_, err := os.Stat("/proc/sys/kernel/seccomp")
	return err == nil
}
