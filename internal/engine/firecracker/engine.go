package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

const (
	// EngineName is the name processes route to.
	EngineName = "firecracker"

	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	vmSocketSuffix    = ".sock"
	vsockSocketSuffix = "_vsock.sock"

	gracefulShutdownTimeout = 3 * time.Second
)

// vmState tracks one running microVM.
type vmState struct {
	machine   *fcsdk.Machine
	cid       uint32
	socketDir string
	started   bool
}

// networker sets up and tears down per-execution networking.
type networker interface {
	Setup(ctx context.Context, executionID string) (*NetworkConfig, error)
	Teardown(ctx context.Context, executionID string) error
	TeardownAll(ctx context.Context)
	Verify() error
	Prepare(ctx context.Context) error
}

// Engine runs each execution's process in its own Firecracker microVM and
// uploads the files the process leaves in its output directory.
type Engine struct {
	cfg      Config
	net      networker
	uploader Uploader
	logger   *slog.Logger

	slots chan struct{}

	mu  sync.Mutex
	vms map[string]*vmState

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

var (
	_ engine.Engine    = (*Engine)(nil)
	_ engine.Canceller = (*Engine)(nil)
)

// New creates a Firecracker engine that stores outputs through uploader.
func New(cfg Config, uploader Uploader, logger *slog.Logger) (*Engine, error) {
	if uploader == nil {
		return nil, errors.New("firecracker engine needs an output uploader")
	}
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}
	return newEngine(cfg, netMgr, uploader, logger), nil
}

func newEngine(cfg Config, net networker, uploader Uploader, logger *slog.Logger) *Engine {
	if cfg.MaxConcurrentVMs <= 0 {
		cfg.MaxConcurrentVMs = MaxConcurrentVMs
	}
	return &Engine{
		cfg:      cfg,
		net:      net,
		uploader: uploader,
		logger:   logger.With("engine", EngineName),
		slots:    make(chan struct{}, cfg.MaxConcurrentVMs),
		vms:      make(map[string]*vmState),
		cidNext:  max(cfg.CIDBase, MinCID),
		cidInUse: make(map[uint32]bool),
	}
}

func (e *Engine) Name() string { return EngineName }

// Prepare checks the host prerequisites (kernel, firecracker binary, default
// rootfs, CNI plugins) and resets network state left by a previous run.
func (e *Engine) Prepare(ctx context.Context) error {
	var missing []string
	for _, p := range []string{e.cfg.KernelPath, e.cfg.FirecrackerBin, filepath.Join(e.cfg.RootfsDir, fmt.Sprintf(RootfsFilename, DefaultRootfs))} {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing host files: %s", strings.Join(missing, ", "))
	}
	if err := e.net.Verify(); err != nil {
		return err
	}
	return e.net.Prepare(ctx)
}

// Run boots a microVM for exec, hands the process to the guest agent and
// reports PREPARE, RUNNING, CLEANUP and the final step through r. It blocks
// until the microVM is gone.
func (e *Engine) Run(ctx context.Context, exec model.Execution, r engine.Reporter) error {
	report := func(step model.Step) error {
		_, err := r.AppendStep(ctx, exec.ID, step)
		return err
	}

	if err := report(model.PrepareStep("waiting for a microVM slot")); err != nil {
		return err
	}
	waitStart := time.Now()
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for microVM slot: %w", ctx.Err())
	}
	defer func() { <-e.slots }()
	slotWaitDuration.Observe(time.Since(waitStart).Seconds())

	if err := report(model.PrepareStep("booting microVM")); err != nil {
		return err
	}
	vsockPath, state, err := e.boot(ctx, exec)
	if err != nil {
		runsTotal.WithLabelValues(exec.ProcessName, statusFailed).Inc()
		return err
	}
	defer e.stopAndCleanup(exec.ID, state)

	bootStart := time.Now()
	gc, err := DialGuest(ctx, vsockPath, e.cfg.VsockPort)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		runsTotal.WithLabelValues(exec.ProcessName, statusFailed).Inc()
		return fmt.Errorf("connect to guest: %w", err)
	}
	defer gc.Close()

	outputs, err := newOutputCollector(filepath.Join(state.socketDir, "outputs"), e.cfg.MaxOutputBytes)
	if err != nil {
		return err
	}
	defer outputs.close()

	if err := report(model.RunningStep("process started in microVM")); err != nil {
		return err
	}

	log := e.logger.With("execution_id", exec.ID)
	handler := StreamHandler{
		Log:  func(line string) { log.Debug("guest", "line", line) },
		Step: func(msg string) error { return report(model.RunningStep(msg)) },
		File: outputs.write,
	}

	runStart := time.Now()
	resp, err := gc.Run(ctx, guestRequest(exec), handler)
	guestRunDuration.WithLabelValues(exec.ProcessName).Observe(time.Since(runStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			runsTotal.WithLabelValues(exec.ProcessName, statusKilled).Inc()
		} else {
			runsTotal.WithLabelValues(exec.ProcessName, statusFailed).Inc()
		}
		return fmt.Errorf("run process: %w", err)
	}

	if resp.ExitCode != 0 {
		runsTotal.WithLabelValues(exec.ProcessName, statusFailed).Inc()
		msg := fmt.Sprintf("process exited with code %d", resp.ExitCode)
		if resp.Error != "" {
			msg += ": " + resp.Error
		}
		return report(model.FailureStep(msg))
	}

	if err := report(model.CleanupStep(fmt.Sprintf("uploading %d output files", len(resp.Outputs)))); err != nil {
		return err
	}
	files, err := outputs.upload(ctx, e.uploader, exec.ID, resp.Outputs)
	if err != nil {
		runsTotal.WithLabelValues(exec.ProcessName, statusFailed).Inc()
		return report(model.FailureStep(err.Error()))
	}

	runsTotal.WithLabelValues(exec.ProcessName, statusSucceeded).Inc()
	log.Info("process completed", "outputs", len(files), "duration_ms", time.Since(runStart).Milliseconds())
	return report(model.SuccessStep("process completed", files))
}

// Cancel stops the microVM of a cancelled or timed out execution. Unknown
// executions are ignored.
func (e *Engine) Cancel(_ context.Context, executionID string) error {
	e.mu.Lock()
	state, ok := e.vms[executionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	e.stopAndCleanup(executionID, state)
	return nil
}

// Shutdown stops every microVM and tears down their networks.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.Cancel(ctx, id); err != nil {
			e.logger.Error("shutdown cleanup failed", "execution_id", id, "error", err)
		}
	}
	e.net.TeardownAll(ctx)
}

func guestRequest(exec model.Execution) GuestRequest {
	return GuestRequest{
		ExecutionID: exec.ID,
		Process:     exec.ProcessName,
		InputFiles:  exec.InputFiles,
		Env: map[string]string{
			"CRUCIBLE_EXECUTION_ID":   exec.ID,
			"CRUCIBLE_CORRELATION_ID": exec.CorrelationID,
			"CRUCIBLE_BATCH_ID":       exec.BatchID,
			"CRUCIBLE_TENANT":         exec.Tenant,
		},
		TimeoutS: int(exec.Timeout.Seconds()),
	}
}

// boot prepares networking, a private rootfs copy and the machine for exec,
// starts it and returns the vsock UDS path. On error nothing is left behind.
func (e *Engine) boot(ctx context.Context, exec model.Execution) (string, *vmState, error) {
	rootfsPath, err := RootfsPath(e.cfg.RootfsDir, exec.ProcessName)
	if err != nil {
		return "", nil, fmt.Errorf("select rootfs: %w", err)
	}

	cid, err := e.allocateCID()
	if err != nil {
		return "", nil, fmt.Errorf("allocate CID: %w", err)
	}

	netCfg, err := e.net.Setup(ctx, exec.ID)
	if err != nil {
		e.releaseCID(cid)
		return "", nil, fmt.Errorf("network setup: %w", err)
	}

	socketDir, err := os.MkdirTemp("", "crucible-vm-"+exec.ID+"-")
	if err != nil {
		e.releaseCID(cid)
		e.teardownNetwork(exec.ID)
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	state := &vmState{cid: cid, socketDir: socketDir}

	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		e.stopAndCleanup(exec.ID, state)
		return "", nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(socketDir, exec.ID+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, exec.ID+vsockSocketSuffix)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: e.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  netCfg.MACAddress,
					HostDevName: netCfg.TAPDevice,
				},
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{ID: vsockDeviceID, Path: vsockPath, CID: cid},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(e.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(e.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  exec.ID,
	}

	// The SDK logs through logrus; we log through slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(e.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		e.stopAndCleanup(exec.ID, state)
		return "", nil, fmt.Errorf("create machine: %w", err)
	}
	state.machine = machine

	e.mu.Lock()
	e.vms[exec.ID] = state
	e.mu.Unlock()

	if err := machine.Start(ctx); err != nil {
		e.stopAndCleanup(exec.ID, state)
		return "", nil, fmt.Errorf("start VM: %w", err)
	}
	state.started = true
	activeVMs.Inc()

	e.logger.Info("VM started",
		"execution_id", exec.ID,
		"process", exec.ProcessName,
		"cid", cid,
		"vcpus", e.cfg.VCPUs,
		"mem_mb", e.cfg.MemMB,
	)
	return vsockPath, state, nil
}

// stopAndCleanup stops the VM and releases its CID, network and files. It
// runs on fresh contexts so that cleanup completes after cancellation, and
// only the first call for an execution does any work.
func (e *Engine) stopAndCleanup(executionID string, state *vmState) {
	e.mu.Lock()
	if cur, ok := e.vms[executionID]; ok && cur == state {
		delete(e.vms, executionID)
	} else if state.machine != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	cleanupStart := time.Now()

	if state.machine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := state.machine.Shutdown(shutdownCtx); err != nil {
			e.logger.Debug("graceful shutdown failed, forcing stop", "execution_id", executionID, "error", err)
			if stopErr := state.machine.StopVMM(); stopErr != nil {
				e.logger.Debug("StopVMM failed", "execution_id", executionID, "error", stopErr)
			}
		}
		cancel()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := state.machine.Wait(waitCtx); err != nil {
			e.logger.Debug("failed to wait for VM exit", "execution_id", executionID, "error", err)
		}
		waitCancel()
	}

	if state.started {
		activeVMs.Dec()
	}
	e.releaseCID(state.cid)
	e.teardownNetwork(executionID)
	if state.socketDir != "" {
		os.RemoveAll(state.socketDir)
	}

	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
	e.logger.Debug("cleanup complete", "execution_id", executionID)
}

func (e *Engine) teardownNetwork(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := e.net.Teardown(ctx, executionID); err != nil {
		e.logger.Warn("network teardown failed", "execution_id", executionID, "error", err)
	}
}

// allocateCID returns the next available vsock CID.
func (e *Engine) allocateCID() (uint32, error) {
	e.cidMu.Lock()
	defer e.cidMu.Unlock()

	scanRange := uint32(e.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(e.cidNext+i, MinCID)
		if !e.cidInUse[candidate] {
			e.cidInUse[candidate] = true
			e.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(e.cidInUse))
}

func (e *Engine) releaseCID(cid uint32) {
	e.cidMu.Lock()
	defer e.cidMu.Unlock()
	delete(e.cidInUse, cid)
}

// copyRootfs copies the rootfs image for one VM, using a reflink when the
// filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
