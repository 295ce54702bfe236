// testserver starts a Crucible API server with a stub engine and a demo
// process for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/crucible/internal/app"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/constraint"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/forecast"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/process"
)

// stubEngine walks every execution through PREPARE and RUNNING to SUCCESS,
// producing one output file.
type stubEngine struct {
	delay time.Duration
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Run(ctx context.Context, exec model.Execution, r engine.Reporter) error {
	steps := []model.Step{
		model.PrepareStep("staging inputs"),
		model.RunningStep("processing"),
	}
	for _, step := range steps {
		if err := s.wait(ctx); err != nil {
			return err
		}
		if _, err := r.AppendStep(ctx, exec.ID, step); err != nil {
			return err
		}
	}
	if err := s.wait(ctx); err != nil {
		return err
	}

	content := "result of " + exec.ID
	sum := sha256.Sum256([]byte(content))
	out := model.OutputFile{
		URL:       fmt.Sprintf("s3://results/%s/result.txt", exec.ID),
		Name:      "result.txt",
		SizeBytes: int64(len(content)),
		Checksum:  model.Checksum{Method: model.ChecksumSHA256, Value: hex.EncodeToString(sum[:])},
	}
	_, err := r.AppendStep(ctx, exec.ID, model.SuccessStep("done", []model.OutputFile{out}))
	return err
}

func (s *stubEngine) wait(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.DBPath = ":memory:"
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, "text")

	procs := process.NewRegistry()
	demo := &process.Static{
		ProcessName: "demo",
		Engine:      "stub",
		Params: []process.ParameterDescriptor{
			{Name: "level", Type: process.TypeEnum, Allowed: []string{"low", "high"}, Default: "low"},
		},
		Batch:     constraint.MaxFiles(100),
		Execution: constraint.MaxInputFiles(10),
		Forecast: process.Forecasts{
			Size:     forecast.MultiplierSize{Factor: 1},
			Duration: forecast.AbsoluteDuration{Duration: time.Minute},
		},
	}
	for _, tenant := range []string{"project1", "project2"} {
		if err := procs.Register(tenant, demo); err != nil {
			log.Fatalf("register process: %v", err)
		}
	}

	engines := engine.NewRegistry()
	if err := engines.Register(&stubEngine{delay: 500 * time.Millisecond}); err != nil {
		log.Fatalf("register engine: %v", err)
	}

	a, err := app.New(cfg, procs, engines, logger)
	if err != nil {
		log.Fatalf("app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := a.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
