// Package app assembles the store, services, HTTP server and scheduler into
// one runnable unit.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/batch"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/execution"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/objectstore"
	"github.com/seantiz/crucible/internal/outputfile"
	"github.com/seantiz/crucible/internal/process"
	"github.com/seantiz/crucible/internal/quota"
	"github.com/seantiz/crucible/internal/scheduler"
	"github.com/seantiz/crucible/internal/store"
)

// App is a fully wired Crucible instance.
type App struct {
	Store      *store.SQLiteStore
	Batches    *batch.Service
	Executions *execution.Service
	Outputs    *outputfile.Service
	Server     *api.Server
	Scheduler  *scheduler.Scheduler

	logger *slog.Logger
}

// New wires an App from cfg. processes and engines are bound explicitly by
// the caller.
func New(cfg config.Config, processes *process.Registry, engines *engine.Registry, logger *slog.Logger) (*App, error) {
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var releaser outputfile.Releaser = objectstore.NopReleaser{}
	if cfg.ObjectStore.Enabled() {
		r, err := objectstore.NewMinioReleaser(cfg.ObjectStore)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("object store: %w", err)
		}
		releaser = r
		logger.Info("object store configured", "endpoint", cfg.ObjectStore.Endpoint, "bucket", cfg.ObjectStore.Bucket)
	} else {
		logger.Warn("no object store configured; purged output files keep their bytes")
	}

	limiter := quota.NewLimiter(quota.Config{
		MaxBytes: cfg.DownloadQuotaBytes,
		Rate:     cfg.DownloadRate,
		Burst:    cfg.DownloadBurst,
	})
	outputs := outputfile.NewService(st, limiter, releaser, cfg.DownloadRetention, logger)
	executions := execution.NewService(st, processes, engines, outputs, cfg.MinTimeout, logger)
	batches := batch.NewService(st, processes, process.RoleRights{Registry: processes}, batch.Ceilings{
		MaxResultSize:      cfg.MaxResultSize,
		MaxRunningDuration: cfg.MaxRunningDuration,
	}, logger)

	srv := api.NewServer(cfg.ListenAddr, api.Services{
		Batches:    batches,
		Executions: executions,
		Outputs:    outputs,
		Engines:    engines,
		Store:      st,
	}, logger)

	a := &App{
		Store:      st,
		Batches:    batches,
		Executions: executions,
		Outputs:    outputs,
		Server:     srv,
		Scheduler:  scheduler.New(logger),
		logger:     logger,
	}

	jobs := []scheduler.Job{
		{Name: "timeout-scan", Spec: cfg.TimeoutScanSchedule, Run: a.timeoutScan},
		{Name: "output-cleanup", Spec: cfg.CleanupSchedule, Run: a.outputCleanup},
	}
	for _, j := range jobs {
		if err := a.Scheduler.Add(j); err != nil {
			st.Close()
			return nil, err
		}
	}

	return a, nil
}

// Run re-dispatches executions left REGISTERED by a previous run, then
// serves HTTP and runs the scheduled jobs until ctx is done or either fails.
func (a *App) Run(ctx context.Context) error {
	defer a.Store.Close()
	defer a.Executions.Shutdown()

	if err := a.ResumeRegistered(ctx); err != nil {
		a.logger.Error("resume registered executions", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Server.Run(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	return g.Wait()
}

// ResumeRegistered hands every REGISTERED execution back to its engine.
func (a *App) ResumeRegistered(ctx context.Context) error {
	execs, err := a.Store.ListExecutionsByStatus(ctx, model.StatusRegistered)
	if err != nil {
		return err
	}
	for _, e := range execs {
		if _, err := a.Executions.RunExecutable(ctx, e.ID); err != nil {
			a.logger.Warn("cannot resume execution", "execution_id", e.ID, "error", err)
		}
	}
	if len(execs) > 0 {
		a.logger.Info("resumed registered executions", "count", len(execs))
	}
	return nil
}

func (a *App) timeoutScan(ctx context.Context) error {
	n, err := a.Executions.ScheduledTimeoutNotify(ctx)
	if n > 0 {
		a.logger.Info("executions timed out", "count", n)
	}
	return err
}

func (a *App) outputCleanup(ctx context.Context) error {
	n, err := a.Outputs.ScheduledDeleteDownloadedFiles(ctx)
	if n > 0 {
		a.logger.Info("downloaded output files purged", "count", n)
	}
	return err
}
