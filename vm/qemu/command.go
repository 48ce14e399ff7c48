package qemu

import (
	"fmt"
	"strings"

	"github.com/linblock/linblock/vm"
)

// buildCommandLine constructs the QEMU argument list for cfg. The mapping is
// deterministic: the same config and KVM probe result always produce the
// same argv, which is the compatibility contract with the external binary.
func buildCommandLine(cfg *vm.Config, kvmAvailable bool) []string {
	var args []string

	// Machine type - plain pc for best guest compatibility
	if kvmAvailable {
		args = append(args, "-machine", "pc,accel=kvm")
	} else {
		args = append(args, "-machine", "pc")
	}

	// CPU configuration
	if cfg.UseKVM && kvmAvailable {
		args = append(args, "-enable-kvm", "-cpu", "host")
	} else {
		args = append(args, "-cpu", "qemu64")
	}
	args = append(args, "-smp", fmt.Sprintf("%d", cfg.CPUCores))

	// Memory
	args = append(args, "-m", fmt.Sprintf("%dM", cfg.MemoryMB))

	// Direct kernel boot
	if cfg.Kernel != "" {
		args = append(args, "-kernel", cfg.Kernel)
		if cfg.Initrd != "" {
			args = append(args, "-initrd", cfg.Initrd)
		}
		args = append(args, "-append", kernelCmdline(cfg))
	}

	// Drive attachments. The system image is attached read-only; userdata
	// and data carry the mutable guest state.
	if cfg.SystemImage != "" {
		args = append(args, "-drive",
			fmt.Sprintf("file=%s,format=raw,if=ide,index=0,readonly=on", cfg.SystemImage))
	}
	if cfg.UserdataImage != "" {
		args = append(args, "-drive",
			fmt.Sprintf("file=%s,format=qcow2,if=ide,index=1", cfg.UserdataImage))
	}
	if cfg.DataImage != "" {
		args = append(args, "-drive",
			fmt.Sprintf("file=%s,format=qcow2,if=ide,index=2", cfg.DataImage))
	}

	// Display via VNC; the display index is the offset from the RFB base port
	args = append(args, "-vnc", fmt.Sprintf(":%d", cfg.VNCPort-5900))

	// Serial console routing
	if cfg.SerialLog != "" {
		args = append(args, "-serial", "file:"+cfg.SerialLog)
	} else {
		args = append(args, "-serial", "stdio")
	}

	// Graphics device by GPU mode. Plain VGA is the compatibility baseline;
	// virtio-gpu needs guest driver support.
	switch cfg.GPUMode {
	case vm.GPUModeHost:
		args = append(args, "-device", "virtio-gpu-pci")
	case vm.GPUModeVirgl:
		args = append(args, "-device", "virtio-gpu-pci,virgl=on")
	default:
		args = append(args, "-vga", "std")
	}

	// VGA memory for high-resolution guests
	args = append(args, "-global", "VGA.vgamem_mb=64")

	// GPU command pipe over virtio-serial
	if cfg.GPUPipeSocket != "" {
		args = append(args,
			"-device", "virtio-serial",
			"-chardev", fmt.Sprintf("socket,path=%s,server=on,wait=off,id=gpu_chardev", cfg.GPUPipeSocket),
			"-device", "virtserialport,chardev=gpu_chardev,name=gpu_pipe",
		)
	}

	// User-mode network with the ADB forward; romfile= disables PXE boot
	args = append(args,
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:5555", cfg.ADBPort),
		"-device", "e1000,netdev=net0,romfile=",
	)

	// USB tablet for absolute pointer positioning
	args = append(args, "-usb", "-device", "usb-tablet")

	// Entropy for the guest
	args = append(args, "-device", "virtio-rng-pci")

	if cfg.CdromImage != "" {
		args = append(args, "-cdrom", cfg.CdromImage)
	}

	// Boot order by boot source
	switch {
	case cfg.Kernel != "":
		args = append(args, "-boot", "order=c,strict=on")
	case cfg.CdromImage != "":
		args = append(args, "-boot", "order=d,menu=on")
	default:
		args = append(args, "-boot", "order=cd,menu=on")
	}

	args = append(args, cfg.ExtraArgs...)

	return args
}

// kernelCmdline returns the guest kernel parameters for a direct kernel
// boot. The configured cmdline wins but always gets a serial console so
// boot logging works.
func kernelCmdline(cfg *vm.Config) string {
	if cfg.KernelCmdline != "" {
		if !strings.Contains(cfg.KernelCmdline, "console=") {
			return "console=ttyS0 " + cfg.KernelCmdline
		}
		return cfg.KernelCmdline
	}

	parts := []string{
		"root=/dev/ram0",
		"console=ttyS0",
		"androidboot.hardware=ranchu",
		"androidboot.serialno=EMULATOR",
		"androidboot.console=ttyS0",
		"androidboot.selinux=permissive",
		fmt.Sprintf("video=%dx%d", cfg.ScreenWidth, cfg.ScreenHeight),
	}
	return strings.Join(parts, " ")
}
