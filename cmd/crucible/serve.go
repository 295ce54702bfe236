package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/crucible/internal/app"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/engine/firecracker"
	"github.com/seantiz/crucible/internal/objectstore"
	"github.com/seantiz/crucible/internal/process"
)

func newServeCmd() *cobra.Command {
	var processesPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and scheduled jobs",
		Long: `Run the HTTP API, the execution timeout scan and the output file cleanup.
Configuration is read from CRUCIBLE_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if processesPath != "" {
				cfg.ProcessesPath = processesPath
			}
			logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

			logger.Info("crucible: starting",
				"listen_addr", cfg.ListenAddr,
				"db_path", cfg.DBPath,
				"processes", cfg.ProcessesPath,
			)

			defaults := process.DefaultDefaults()
			procs, err := process.LoadFile(cfg.ProcessesPath, logger, defaults)
			if err != nil {
				return fmt.Errorf("load processes: %w", err)
			}

			engines := engine.NewRegistry()
			if fcCfg := firecracker.LoadConfig(); fcCfg.Enabled() {
				fcEngine, err := newFirecrackerEngine(cmd.Context(), cfg, fcCfg, logger)
				if err != nil {
					return err
				}
				defer fcEngine.Shutdown(context.Background())
				if err := engines.Register(fcEngine); err != nil {
					return err
				}
				logger.Info("engine registered", "engine", fcEngine.Name(), "max_vms", fcCfg.MaxConcurrentVMs)
			}

			a, err := app.New(cfg, procs, engines, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&processesPath, "processes", "", "Process definitions YAML (overrides CRUCIBLE_PROCESSES_PATH)")
	return cmd
}

// newFirecrackerEngine builds the microVM engine. Its outputs go to the
// configured object store, so one is required.
func newFirecrackerEngine(ctx context.Context, cfg config.Config, fcCfg firecracker.Config, logger *slog.Logger) (*firecracker.Engine, error) {
	if !cfg.ObjectStore.Enabled() {
		return nil, errors.New("firecracker engine: an object store is required for output files")
	}
	uploader, err := objectstore.NewMinioUploader(cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("firecracker engine: %w", err)
	}
	eng, err := firecracker.New(fcCfg, uploader, logger)
	if err != nil {
		return nil, err
	}
	if err := eng.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("firecracker engine: %w", err)
	}
	if err := firecracker.EnsureIPForwarding(); err != nil {
		logger.Warn("cannot enable IP forwarding; microVMs will have no outbound network", "error", err)
	}
	return eng, nil
}
