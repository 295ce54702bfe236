package guest

import (
	"log"
	"os"
	"syscall"

	fc "github.com/seantiz/crucible/internal/engine/firecracker"
)

type mount struct {
	source, target, fstype string
	flags                  uintptr
	data                   string
}

// initMounts are mounted in order when the agent is PID 1. The work dir is a
// tmpfs so inputs and outputs never touch the per-execution rootfs copy.
var initMounts = []mount{
	{source: "proc", target: "/proc", fstype: "proc", flags: syscall.MS_NOSUID | syscall.MS_NODEV | syscall.MS_NOEXEC},
	{source: "sysfs", target: "/sys", fstype: "sysfs", flags: syscall.MS_NOSUID | syscall.MS_NODEV | syscall.MS_NOEXEC},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs", flags: syscall.MS_NOSUID, data: "mode=0755"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs", flags: syscall.MS_NOSUID | syscall.MS_NODEV, data: "mode=1777"},
	{source: "tmpfs", target: fc.GuestWorkDir, fstype: "tmpfs", flags: syscall.MS_NOSUID | syscall.MS_NODEV, data: "mode=0755"},
}

// IsInit reports whether the agent runs as PID 1.
func IsInit() bool { return os.Getpid() == 1 }

// SetupInit prepares the VM when the agent runs as PID 1 and does nothing
// otherwise. Ctrl-Alt-Del is turned into SIGINT for the agent instead of an
// immediate reboot, so a host-side shutdown lets the agent stop cleanly.
func SetupInit() {
	if !IsInit() {
		return
	}

	log.Println("running as PID 1, mounting filesystems")
	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Printf("mkdir %s: %v", m.target, err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			log.Printf("mount %s: %v", m.target, err)
		}
	}

	if err := syscall.Reboot(syscall.LINUX_REBOOT_CMD_CAD_OFF); err != nil {
		log.Printf("disable ctrl-alt-del reboot: %v", err)
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}

// PowerOff flushes filesystems and stops the VM. With the kernel booted with
// reboot=k, a restart makes Firecracker exit. It returns only on failure or
// when the agent is not PID 1.
func PowerOff() {
	if !IsInit() {
		return
	}
	syscall.Sync()
	if err := syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART); err != nil {
		log.Printf("reboot: %v", err)
	}
}
