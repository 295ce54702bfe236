// Package scheduler runs the periodic maintenance operations on cron
// specs. A job never overlaps with its own previous run and a panicking job
// does not take the scheduler down.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named operation run on a cron spec such as "@every 30s" or
// "*/5 * * * *".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs until its Run context ends.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler with no jobs.
func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ParseSpec validates a five-field cron expression or a descriptor such as
// "@every 1m" or "@hourly".
func ParseSpec(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("empty cron spec")
	}
	return cron.ParseStandard(s)
}

// Add registers job. It must be called before Run.
func (s *Scheduler) Add(job Job) error {
	schedule, err := ParseSpec(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: parse spec %q: %w", job.Name, job.Spec, err)
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.runJob(job)
	}))
	s.logger.Info("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

// Run starts the jobs and blocks until ctx is done. Running jobs see their
// context cancelled and Run waits for them to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started")

	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runJob(job Job) {
	start := time.Now()
	err := job.Run(s.ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("job failed", "job", job.Name, "duration", elapsed, "error", err)
		return
	}
	s.logger.Debug("job finished", "job", job.Name, "duration", elapsed)
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
