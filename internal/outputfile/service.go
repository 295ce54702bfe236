// Package outputfile manages the artifacts produced by successful
// executions: validating them when they are reported, recording downloads
// against each user's quota, and purging records after retention.
package outputfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/quota"
	"github.com/seantiz/crucible/internal/store"
)

var (
	// ErrOutputFileNotFound is returned for an unknown output file id.
	ErrOutputFileNotFound = errors.New("output file not found")

	// ErrDownloadQuotaExceeded is returned when a download would exceed the
	// user's byte quota.
	ErrDownloadQuotaExceeded = errors.New("download quota exceeded")

	// ErrDownloadRateExceeded is returned when the user downloads too often.
	ErrDownloadRateExceeded = errors.New("download rate exceeded")

	// ErrInvalidOutputFile is returned by Prepare for a malformed file.
	ErrInvalidOutputFile = errors.New("invalid output file")
)

// QuotaChecker decides whether a user may download more bytes. It must
// serialise concurrent checks for one user.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, userID string, sizeBytes int64) (quota.Decision, error)
}

// Releaser frees the bytes stored at an output file's location.
type Releaser interface {
	ReleaseBytes(ctx context.Context, location string) error
}

// DownloadResult is the outcome of marking one file downloaded.
type DownloadResult struct {
	ID   string
	File *model.OutputFile
	Err  error
}

// Service implements the output file operations.
type Service struct {
	store     store.Store
	quota     QuotaChecker
	releaser  Releaser
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an output file service. Downloaded files are purged
// once they were first downloaded more than retention ago.
func NewService(s store.Store, q QuotaChecker, r Releaser, retention time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:     s,
		quota:     q,
		releaser:  r,
		retention: retention,
		logger:    logger.With("component", "outputfile"),
		now:       time.Now,
	}
}

// Prepare validates the files reported with a SUCCESS step and assigns ids
// to those that have none.
func (s *Service) Prepare(executionID string, files []model.OutputFile) ([]model.OutputFile, error) {
	out := make([]model.OutputFile, len(files))
	for i, f := range files {
		switch {
		case f.URL == "":
			return nil, fmt.Errorf("%w: #%d has no url", ErrInvalidOutputFile, i)
		case f.Name == "":
			return nil, fmt.Errorf("%w: #%d has no name", ErrInvalidOutputFile, i)
		case f.SizeBytes < 0:
			return nil, fmt.Errorf("%w: %s has negative size %d", ErrInvalidOutputFile, f.Name, f.SizeBytes)
		case !f.Checksum.Verifiable():
			return nil, fmt.Errorf("%w: %s has unverifiable checksum %q", ErrInvalidOutputFile, f.Name, f.Checksum.String())
		}
		if f.ID == "" {
			f.ID = model.NewID()
		}
		f.ExecutionID = executionID
		f.Downloaded = false
		f.DownloadedAt = nil
		out[i] = f
	}
	return out, nil
}

// ListForExecution returns the output files of exec. Only a SUCCESS
// execution has any.
func (s *Service) ListForExecution(ctx context.Context, exec *model.Execution) ([]*model.OutputFile, error) {
	if exec.CurrentStatus() != model.StatusSuccess {
		return nil, nil
	}
	files, err := s.store.ListOutputFiles(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("list output files of %s: %w", exec.ID, err)
	}
	return files, nil
}

// MarkDownloaded records a download of each id by p. Every id gets its own
// result; a refusal for one id does not affect the others. Files of another
// tenant's executions are reported as not found.
func (s *Service) MarkDownloaded(ctx context.Context, p model.Principal, ids []string) []DownloadResult {
	results := make([]DownloadResult, len(ids))
	for i, id := range ids {
		f, err := s.markOne(ctx, p, id)
		results[i] = DownloadResult{ID: id, File: f, Err: err}
		downloadsTotal.WithLabelValues(downloadOutcome(err)).Inc()
	}
	return results
}

func (s *Service) markOne(ctx context.Context, p model.Principal, id string) (*model.OutputFile, error) {
	f, err := s.ownedFile(ctx, p.Tenant, id)
	if err != nil {
		return nil, err
	}

	// A repeated download of the same file is not charged again and keeps
	// the first download time.
	if f.Downloaded {
		return f, nil
	}

	decision, err := s.quota.CheckAndConsume(ctx, p.User, f.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("check quota for %s: %w", id, err)
	}
	switch decision {
	case quota.QuotaExceeded:
		return nil, fmt.Errorf("%w: %s", ErrDownloadQuotaExceeded, id)
	case quota.RateExceeded:
		return nil, fmt.Errorf("%w: %s", ErrDownloadRateExceeded, id)
	}

	f, err = s.store.MarkDownloaded(ctx, id, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOutputFileNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("output file downloaded", "output_file_id", id, "user", p.User, "tenant", p.Tenant, "size_bytes", f.SizeBytes)
	return f, nil
}

// ownedFile loads the output file id if its execution belongs to tenant.
func (s *Service) ownedFile(ctx context.Context, tenant, id string) (*model.OutputFile, error) {
	f, err := s.store.GetOutputFile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOutputFileNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	exec, err := s.store.GetExecution(ctx, f.ExecutionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && exec.Tenant != tenant) {
		return nil, fmt.Errorf("%w: %s", ErrOutputFileNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ScheduledDeleteDownloadedFiles purges files first downloaded longer than
// the retention window ago. Bytes are released before the record goes; a
// failed release keeps the record for the next run. It returns the number
// of purged files.
func (s *Service) ScheduledDeleteDownloadedFiles(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	files, err := s.store.ListDownloadedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list downloaded files: %w", err)
	}

	purged := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := s.releaser.ReleaseBytes(ctx, f.URL); err != nil {
			s.logger.Warn("release failed, keeping record", "output_file_id", f.ID, "url", f.URL, "error", err)
			purgeFailuresTotal.Inc()
			continue
		}
		if err := s.store.DeleteOutputFile(ctx, f.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("delete output file record", "output_file_id", f.ID, "error", err)
			purgeFailuresTotal.Inc()
			continue
		}
		purged++
		purgedTotal.Inc()
	}

	if len(files) > 0 {
		s.logger.Info("purged downloaded files", "purged", purged, "candidates", len(files))
	}
	return purged, nil
}

func downloadOutcome(err error) string {
	switch {
	case err == nil:
		return "downloaded"
	case errors.Is(err, ErrDownloadQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrDownloadRateExceeded):
		return "rate_exceeded"
	case errors.Is(err, ErrOutputFileNotFound):
		return "not_found"
	default:
		return "error"
	}
}
