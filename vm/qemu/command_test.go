package qemu

import (
	"strings"
	"testing"

	"github.com/linblock/linblock/vm"
)

func baseConfig() *vm.Config {
	return &vm.Config{
		SystemImage:  "/images/system.img",
		MemoryMB:     2048,
		CPUCores:     4,
		UseKVM:       true,
		ScreenWidth:  1080,
		ScreenHeight: 1920,
		VNCPort:      5901,
		ADBPort:      5555,
		GPUMode:      vm.GPUModeSoftware,
	}
}

func TestBuildCommandLineDeterministic(t *testing.T) {
	cfg := baseConfig()
	a := strings.Join(buildCommandLine(cfg, true), " ")
	b := strings.Join(buildCommandLine(cfg, true), " ")
	if a != b {
		t.Fatalf("command line not deterministic:\n%s\n%s", a, b)
	}
}

func TestBuildCommandLine(t *testing.T) {
	for _, tc := range []struct {
		name       string
		mutate     func(*vm.Config)
		kvm        bool
		want       []string
		wantAbsent []string
	}{
		{
			name: "kvm acceleration",
			kvm:  true,
			want: []string{
				"-machine pc,accel=kvm",
				"-enable-kvm -cpu host",
				"-smp 4",
				"-m 2048M",
			},
		},
		{
			name: "no kvm falls back to emulation",
			kvm:  false,
			want: []string{
				"-machine pc",
				"-cpu qemu64",
			},
			wantAbsent: []string{"-enable-kvm", "accel=kvm"},
		},
		{
			name:   "kvm disabled by config",
			mutate: func(c *vm.Config) { c.UseKVM = false },
			kvm:    true,
			want:   []string{"-cpu qemu64"},
			wantAbsent: []string{
				"-enable-kvm",
			},
		},
		{
			name: "system image attached read-only",
			kvm:  true,
			want: []string{
				"-drive file=/images/system.img,format=raw,if=ide,index=0,readonly=on",
			},
		},
		{
			name: "all drives indexed",
			mutate: func(c *vm.Config) {
				c.UserdataImage = "/images/userdata.qcow2"
				c.DataImage = "/images/data.qcow2"
			},
			kvm: true,
			want: []string{
				"-drive file=/images/userdata.qcow2,format=qcow2,if=ide,index=1",
				"-drive file=/images/data.qcow2,format=qcow2,if=ide,index=2",
			},
		},
		{
			name: "vnc display offset",
			kvm:  true,
			want: []string{"-vnc :1"},
		},
		{
			name: "software gpu",
			kvm:  true,
			want: []string{"-vga std", "-global VGA.vgamem_mb=64"},
		},
		{
			name:       "host gpu",
			mutate:     func(c *vm.Config) { c.GPUMode = vm.GPUModeHost },
			kvm:        true,
			want:       []string{"-device virtio-gpu-pci"},
			wantAbsent: []string{"-vga std", "virgl=on"},
		},
		{
			name:   "virgl gpu",
			mutate: func(c *vm.Config) { c.GPUMode = vm.GPUModeVirgl },
			kvm:    true,
			want:   []string{"-device virtio-gpu-pci,virgl=on"},
		},
		{
			name:   "gpu pipe chardev",
			mutate: func(c *vm.Config) { c.GPUPipeSocket = "/run/gpu.sock" },
			kvm:    true,
			want: []string{
				"-device virtio-serial",
				"-chardev socket,path=/run/gpu.sock,server=on,wait=off,id=gpu_chardev",
				"-device virtserialport,chardev=gpu_chardev,name=gpu_pipe",
			},
		},
		{
			name: "adb forward",
			kvm:  true,
			want: []string{
				"-netdev user,id=net0,hostfwd=tcp::5555-:5555",
				"-device e1000,netdev=net0,romfile=",
			},
		},
		{
			name: "input and entropy devices",
			kvm:  true,
			want: []string{"-usb -device usb-tablet", "-device virtio-rng-pci"},
		},
		{
			name: "disk boot order",
			kvm:  true,
			want: []string{"-boot order=cd,menu=on"},
		},
		{
			name:   "cdrom boot order",
			mutate: func(c *vm.Config) { c.CdromImage = "/images/install.iso" },
			kvm:    true,
			want:   []string{"-cdrom /images/install.iso", "-boot order=d,menu=on"},
		},
		{
			name: "kernel boot order wins over cdrom",
			mutate: func(c *vm.Config) {
				c.Kernel = "/images/kernel"
				c.CdromImage = "/images/install.iso"
			},
			kvm:  true,
			want: []string{"-kernel /images/kernel", "-boot order=c,strict=on"},
		},
		{
			name: "kernel boot with initrd",
			mutate: func(c *vm.Config) {
				c.Kernel = "/images/kernel"
				c.Initrd = "/images/ramdisk.img"
			},
			kvm: true,
			want: []string{
				"-kernel /images/kernel",
				"-initrd /images/ramdisk.img",
				"androidboot.hardware=ranchu",
				"video=1080x1920",
			},
		},
		{
			name:   "serial to file",
			mutate: func(c *vm.Config) { c.SerialLog = "/var/log/serial.log" },
			kvm:    true,
			want:   []string{"-serial file:/var/log/serial.log"},
		},
		{
			name:   "extra args appended",
			mutate: func(c *vm.Config) { c.ExtraArgs = []string{"-snapshot"} },
			kvm:    true,
			want:   []string{"-snapshot"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			got := strings.Join(buildCommandLine(cfg, tc.kvm), " ")
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q in:\n%s", w, got)
				}
			}
			for _, w := range tc.wantAbsent {
				if strings.Contains(got, w) {
					t.Errorf("unexpected %q in:\n%s", w, got)
				}
			}
		})
	}
}

func TestKernelCmdline(t *testing.T) {
	for _, tc := range []struct {
		name    string
		cmdline string
		want    []string
	}{
		{
			name: "defaults",
			want: []string{
				"root=/dev/ram0",
				"console=ttyS0",
				"androidboot.hardware=ranchu",
				"androidboot.selinux=permissive",
				"video=1080x1920",
			},
		},
		{
			name:    "custom cmdline gets a console",
			cmdline: "quiet loglevel=3",
			want:    []string{"console=ttyS0 quiet loglevel=3"},
		},
		{
			name:    "custom console preserved",
			cmdline: "console=hvc0 quiet",
			want:    []string{"console=hvc0 quiet"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.KernelCmdline = tc.cmdline
			got := kernelCmdline(cfg)
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q in %q", w, got)
				}
			}
		})
	}
}
