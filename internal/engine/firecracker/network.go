package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI bridge settings. Subnet and gateway can be overridden in Config.
const (
	DefaultBridgeName = "fcbr0"
	DefaultSubnet     = "10.168.0.0/24"
	DefaultGateway    = "10.168.0.1"

	CNINetworkName = "crucible-fcnet"
	CNIVersion     = "1.0.0"

	// CNIIfName is the veth name inside each execution's namespace.
	CNIIfName   = "eth0"
	CNICacheDir = "/var/lib/cni/cache"

	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "crucible-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig is what the VM needs from a completed CNI ADD.
type NetworkConfig struct {
	TAPDevice string

	// GuestIP is in CIDR notation.
	GuestIP       string
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// NetworkManager gives every execution its own network namespace with a TAP
// device bridged to the host.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	netnsDir      string
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // execution id -> namespace path
}

// NewNetworkManager creates a NetworkManager with the given CNI configuration.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList(cfg.Subnet, cfg.Gateway)
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     cfg.CNIBinDir,
		cniConfigDir:  cfg.CNIConfigDir,
		cniConfig:     libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		netnsDir:      NetNSRunDir,
		logger:        logger,
		namespaces:    make(map[string]string),
	}, nil
}

// Prepare writes the conflist and removes namespaces left behind by a
// previous server process. It must run before the first Setup.
func (nm *NetworkManager) Prepare(ctx context.Context) error {
	if err := nm.WriteConfList(); err != nil {
		return err
	}
	swept := nm.SweepStale(ctx)
	if swept > 0 {
		nm.logger.Info("removed stale execution namespaces", "count", swept)
	}
	return nil
}

// Setup creates a network namespace for an execution's microVM and runs the
// CNI ADD chain in it.
func (nm *NetworkManager) Setup(ctx context.Context, executionID string) (*NetworkConfig, error) {
	nsName := NetNSPrefix + executionID
	nsPath := filepath.Join(nm.netnsDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}
	nm.track(executionID, nsPath)

	result, err := nm.cniConfig.AddNetworkList(ctx, nm.confList, runtimeConf(executionID, nsPath))
	if err != nil {
		nm.abandon(ctx, executionID, false)
		return nil, fmt.Errorf("CNI ADD for %s: %w", executionID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		nm.abandon(ctx, executionID, true)
		return nil, fmt.Errorf("parse CNI result for %s: %w", executionID, err)
	}

	nm.logger.Info("network ready",
		"execution_id", executionID,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
	)
	return netCfg, nil
}

// Teardown removes the execution's networking and namespace. Repeated calls
// are no-ops.
func (nm *NetworkManager) Teardown(ctx context.Context, executionID string) error {
	nsPath, ok := nm.untrack(executionID)
	if !ok {
		return nil
	}
	if err := nm.release(ctx, executionID, nsPath, true); err != nil {
		nm.logger.Warn("network teardown incomplete", "execution_id", executionID, "error", err)
		return err
	}
	nm.logger.Debug("network released", "execution_id", executionID)
	return nil
}

// TeardownAll releases every tracked namespace. Used during shutdown.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	for _, executionID := range nm.tracked() {
		if err := nm.Teardown(ctx, executionID); err != nil {
			nm.logger.Error("teardown failed during shutdown", "execution_id", executionID, "error", err)
		}
	}
}

// SweepStale releases crucible namespaces that this manager does not track,
// such as those of executions that were running when the server died. It
// returns how many were removed.
func (nm *NetworkManager) SweepStale(ctx context.Context) int {
	ids, err := staleExecutions(nm.netnsDir)
	if err != nil {
		nm.logger.Warn("list network namespaces", "error", err)
		return 0
	}

	swept := 0
	for _, id := range ids {
		if _, live := nm.lookup(id); live {
			continue
		}
		nsPath := filepath.Join(nm.netnsDir, NetNSPrefix+id)
		if err := nm.release(ctx, id, nsPath, true); err != nil {
			nm.logger.Warn("stale namespace not removed", "execution_id", id, "error", err)
			continue
		}
		swept++
	}
	return swept
}

// Verify checks that all required CNI plugins exist in the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the CNI conflist to the config directory.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	confPath := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(confPath, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", confPath)
	return nil
}

// abandon undoes a Setup that failed part way. withDel also runs CNI DEL,
// which is only meaningful once ADD succeeded.
func (nm *NetworkManager) abandon(ctx context.Context, executionID string, withDel bool) {
	nsPath, ok := nm.untrack(executionID)
	if !ok {
		return
	}
	if err := nm.release(ctx, executionID, nsPath, withDel); err != nil {
		nm.logger.Warn("cleanup after failed network setup", "execution_id", executionID, "error", err)
	}
}

// release runs CNI DEL (when withDel) and deletes the namespace, returning
// the first failure. Both steps are attempted regardless.
func (nm *NetworkManager) release(ctx context.Context, executionID, nsPath string, withDel bool) error {
	var errs []error
	if withDel {
		if err := nm.cniConfig.DelNetworkList(ctx, nm.confList, runtimeConf(executionID, nsPath)); err != nil {
			errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", executionID, err))
		}
	}
	if err := deleteNetNS(filepath.Base(nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", executionID, err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (nm *NetworkManager) track(executionID, nsPath string) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.namespaces[executionID] = nsPath
}

func (nm *NetworkManager) untrack(executionID string) (string, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nsPath, ok := nm.namespaces[executionID]
	delete(nm.namespaces, executionID)
	return nsPath, ok
}

func (nm *NetworkManager) lookup(executionID string) (string, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nsPath, ok := nm.namespaces[executionID]
	return nsPath, ok
}

func (nm *NetworkManager) tracked() []string {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	return ids
}

func runtimeConf(executionID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{
		ContainerID: executionID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}
}

// staleExecutions returns the execution ids of the crucible namespaces in
// dir, sorted. A missing dir holds none.
func staleExecutions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if id, ok := strings.CutPrefix(e.Name(), NetNSPrefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns a bridge plus tc-redirect-tap conflist allocating
// guest addresses from subnet.
func generateConfList(subnet, gateway string) ([]byte, error) {
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  subnet,
					"gateway": gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult extracts NetworkConfig from a CNI ADD result. tc-redirect-tap
// adds a TAP next to the veth named CNIIfName and the VM needs the TAP; a
// result without one falls back to the first sandboxed interface.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	iface := pickTAP(res.Interfaces)
	if iface == nil {
		return nil, errors.New("no TAP device in CNI result (no interface with sandbox set)")
	}
	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}

	netCfg := &NetworkConfig{
		TAPDevice:     iface.Name,
		MACAddress:    iface.Mac,
		GuestIP:       res.IPs[0].Address.String(),
		NamespacePath: nsPath,
	}
	if gw := res.IPs[0].Gateway; gw != nil {
		netCfg.GatewayIP = gw.String()
	}
	return netCfg, nil
}

func pickTAP(ifaces []*types100.Interface) *types100.Interface {
	var fallback *types100.Interface
	for _, iface := range ifaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			return iface
		}
		if fallback == nil {
			fallback = iface
		}
	}
	return fallback
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	return ipNetns("add", name)
}

// deleteNetNS removes a named network namespace. A missing namespace is not
// an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	return ipNetns("delete", name)
}

func ipNetns(op, name string) error {
	if out, err := exec.Command("ip", "netns", op, name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns %s %s: %s: %w", op, name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnsureIPForwarding enables IPv4 forwarding, which the bridge's outbound NAT
// needs. It only writes when forwarding is off.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

// GenerateMAC derives a locally administered unicast MAC address from an
// execution id.
func GenerateMAC(executionID string) net.HardwareAddr {
	h := fnv.New64a()
	h.Write([]byte(executionID))
	sum := h.Sum64()

	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	for i := 1; i < 6; i++ {
		mac[i] = byte(sum >> (8 * (i - 1)))
	}
	return mac
}
