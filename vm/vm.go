// Package vm defines shared types for VM process supervision.
// The concrete QEMU implementation is in the qemu subpackage.
package vm

import (
	"fmt"
)

// State represents the lifecycle state of a VM process.
type State uint32

const (
	StateStopped  State = iota // No process, clean
	StateStarting              // Start() in progress
	StateRunning               // Hypervisor process alive
	StateStopping              // Stop() in progress
	StateError                 // Process failed or never started
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// GPUMode selects the guest graphics device.
type GPUMode int

const (
	// GPUModeSoftware uses a plain VGA device and the guest's software
	// renderer. Most compatible, always available.
	GPUModeSoftware GPUMode = iota
	// GPUModeHost uses virtio-gpu-pci (requires guest driver support).
	GPUModeHost
	// GPUModeVirgl uses virtio-gpu-pci with Virgil3D passthrough.
	GPUModeVirgl
)

// ParseGPUMode maps a configuration string to a GPUMode. Unknown values
// fall back to software rendering.
func ParseGPUMode(s string) GPUMode {
	switch s {
	case "host":
		return GPUModeHost
	case "virgl":
		return GPUModeVirgl
	default:
		return GPUModeSoftware
	}
}

// Config holds the launch parameters for one VM process. The struct is
// treated as immutable once Start() has been called, except for the port
// fields which may be reassigned during the pre-spawn availability probe.
type Config struct {
	// Image paths. SystemImage is required; the rest are optional.
	SystemImage   string
	UserdataImage string
	DataImage     string
	CdromImage    string
	Kernel        string
	Initrd        string

	// Resources
	MemoryMB int
	CPUCores int
	UseKVM   bool

	// Display
	ScreenWidth  int
	ScreenHeight int
	VNCPort      int

	// Network
	ADBPort int

	// Graphics device selection
	GPUMode GPUMode

	// KernelCmdline overrides the default guest kernel parameters
	// (only meaningful with a direct kernel boot).
	KernelCmdline string

	// GPUPipeSocket, when set, attaches a virtio-serial port whose chardev
	// is backed by this Unix socket for the guest GPU command stream.
	GPUPipeSocket string

	// SerialLog routes the guest serial console to a file instead of the
	// host process stdio.
	SerialLog string

	// ExtraArgs are appended verbatim to the launch command line.
	ExtraArgs []string
}
