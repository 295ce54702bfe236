package firecracker

import (
	"os"
	"strconv"
	"strings"

	"github.com/seantiz/crucible/internal/forecast"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "CRUCIBLE_FC_KERNEL_PATH"
	envRootfsDir     = "CRUCIBLE_FC_ROOTFS_DIR"
	envBin           = "CRUCIBLE_FC_BIN"
	envCNIConfigDir  = "CRUCIBLE_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "CRUCIBLE_FC_CNI_BIN_DIR"
	envSubnet        = "CRUCIBLE_FC_SUBNET"
	envGateway       = "CRUCIBLE_FC_GATEWAY"
	envVsockPort     = "CRUCIBLE_FC_VSOCK_PORT"
	envVCPUs         = "CRUCIBLE_FC_VCPUS"
	envMemMB         = "CRUCIBLE_FC_MEM_MB"
	envMaxConcurrent = "CRUCIBLE_FC_MAX_CONCURRENT_VMS"
	envMaxOutput     = "CRUCIBLE_FC_MAX_OUTPUT_SIZE"
)

// DefaultMaxOutputBytes caps a single output file spooled from the guest.
const DefaultMaxOutputBytes int64 = 4 << 30

// Config holds configuration for the Firecracker engine.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	// The engine is only registered when it is set.
	KernelPath string

	// RootfsDir holds one <process>.ext4 image per process, plus a
	// default.ext4 for processes without their own.
	RootfsDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	CNIConfigDir string
	CNIBinDir    string

	// Subnet and Gateway configure the bridge IPAM range.
	Subnet  string
	Gateway string

	// VsockPort is the guest agent vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	VCPUs int
	MemMB int

	// MaxConcurrentVMs caps the microVMs running at once. Executions past
	// the cap wait in PREPARE.
	MaxConcurrentVMs int

	// MaxOutputBytes caps each output file streamed back by the guest.
	MaxOutputBytes int64
}

// Enabled reports whether a kernel is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.KernelPath) != ""
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set or not parseable.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin:   "firecracker",
		CNIConfigDir:     "/etc/cni/conf.d",
		CNIBinDir:        "/opt/cni/bin",
		Subnet:           DefaultSubnet,
		Gateway:          DefaultGateway,
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		VCPUs:            DefaultVCPUs,
		MemMB:            DefaultMemMB,
		MaxConcurrentVMs: MaxConcurrentVMs,
		MaxOutputBytes:   DefaultMaxOutputBytes,
	}

	stringVars := map[string]*string{
		envKernelPath:   &cfg.KernelPath,
		envRootfsDir:    &cfg.RootfsDir,
		envBin:          &cfg.FirecrackerBin,
		envCNIConfigDir: &cfg.CNIConfigDir,
		envCNIBinDir:    &cfg.CNIBinDir,
		envSubnet:       &cfg.Subnet,
		envGateway:      &cfg.Gateway,
	}
	for name, dst := range stringVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}

	intVars := map[string]*int{
		envVCPUs:         &cfg.VCPUs,
		envMemMB:         &cfg.MemMB,
		envMaxConcurrent: &cfg.MaxConcurrentVMs,
	}
	for name, dst := range intVars {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	if v := os.Getenv(envMaxOutput); v != "" {
		if n, err := forecast.ParseBytes(v); err == nil && n > 0 {
			cfg.MaxOutputBytes = n
		}
	}

	return cfg
}
