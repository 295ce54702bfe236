package firecracker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs     = 1
	DefaultMemMB     = 512
	MaxConcurrentVMs = 10
)

// Rootfs image naming.
const (
	// RootfsFilename is the format string for rootfs image filenames (e.g. "convert.ext4").
	RootfsFilename = "%s.ext4"

	// DefaultRootfs names the image used by processes without their own.
	DefaultRootfs = "default"
)

// Guest paths.
const (
	// GuestWorkDir is the scratch directory for one execution inside the microVM.
	GuestWorkDir = "/work"

	// GuestProcessDir holds one executable per process, named after it.
	GuestProcessDir = "/opt/crucible/processes"

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	GuestAgentPath = "/usr/local/bin/crucible-guest"
)

// RootfsPath returns the rootfs image for a process: <process>.ext4 when
// present in rootfsDir, default.ext4 otherwise.
func RootfsPath(rootfsDir, process string) (string, error) {
	if process == "" || process == "." || process == ".." || strings.ContainsAny(process, `/\`) {
		return "", fmt.Errorf("invalid process name %q for rootfs lookup", process)
	}

	own := filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, process))
	if _, err := os.Stat(own); err == nil {
		return own, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat rootfs %s: %w", own, err)
	}

	fallback := filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, DefaultRootfs))
	if _, err := os.Stat(fallback); err != nil {
		return "", fmt.Errorf("no rootfs for process %q: %w", process, err)
	}
	return fallback, nil
}
