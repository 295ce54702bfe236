package outputfile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/quota"
	"github.com/seantiz/crucible/internal/store"
)

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
	fail     map[string]bool
}

func (r *fakeReleaser) ReleaseBytes(_ context.Context, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[location] {
		return errors.New("storage unavailable")
	}
	r.released = append(r.released, location)
	return nil
}

type errQuota struct{}

func (errQuota) CheckAndConsume(context.Context, string, int64) (quota.Decision, error) {
	return quota.Allowed, errors.New("quota backend down")
}

func newTestService(t *testing.T, q QuotaChecker, r Releaser) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewService(st, q, r, 24*time.Hour, logger), st
}

// seedSuccess stores a SUCCESS execution owning files and returns it.
func seedSuccess(t *testing.T, st store.Store, files []model.OutputFile) *model.Execution {
	t.Helper()
	ctx := context.Background()
	b := &model.Batch{ID: model.NewID(), ProcessName: "demo", Tenant: "t", CreatedAt: time.Now()}
	require.NoError(t, st.CreateBatch(ctx, b))

	e := &model.Execution{ID: model.NewID(), BatchID: b.ID, Tenant: "t", ProcessName: "demo", Timeout: time.Minute, CreatedAt: time.Now()}
	_, err := e.AddStep(model.RegisteredStep(""))
	require.NoError(t, err)
	require.NoError(t, st.CreateExecution(ctx, e))

	_, _, err = st.AppendStep(ctx, e.ID, model.RunningStep(""))
	require.NoError(t, err)
	got, added, err := st.AppendStep(ctx, e.ID, model.SuccessStep("done", files))
	require.NoError(t, err)
	require.True(t, added)
	return got
}

var alice = model.Principal{Tenant: "t", User: "alice", Role: "operator"}

func file(id string, size int64) model.OutputFile {
	return model.OutputFile{
		ID:        id,
		URL:       "s3://results/" + id,
		Name:      id + ".raw",
		SizeBytes: size,
		Checksum:  model.Checksum{Method: model.ChecksumSHA256, Value: "abcd"},
	}
}

func TestPrepare(t *testing.T) {
	svc, _ := newTestService(t, quota.NewLimiter(quota.Config{}), &fakeReleaser{})

	out, err := svc.Prepare("exec-1", []model.OutputFile{
		{URL: "s3://r/a", Name: "a", SizeBytes: 0, Checksum: model.Checksum{Method: "sha256", Value: "ab"}},
		{ID: "keep", URL: "s3://r/b", Name: "b", SizeBytes: 5, Checksum: model.Checksum{Method: "MD5", Value: "cd"}, Downloaded: true},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NotEmpty(t, out[0].ID)
	assert.Equal(t, "keep", out[1].ID)
	assert.Equal(t, "exec-1", out[0].ExecutionID)
	assert.False(t, out[1].Downloaded)

	bad := []model.OutputFile{
		{Name: "a", Checksum: model.Checksum{Method: "sha256", Value: "ab"}},
		{URL: "u", Checksum: model.Checksum{Method: "sha256", Value: "ab"}},
		{URL: "u", Name: "a", SizeBytes: -1, Checksum: model.Checksum{Method: "sha256", Value: "ab"}},
		{URL: "u", Name: "a", Checksum: model.Checksum{Method: "crc32", Value: "ab"}},
		{URL: "u", Name: "a", Checksum: model.Checksum{Method: "sha256"}},
	}
	for i, f := range bad {
		_, err := svc.Prepare("exec-1", []model.OutputFile{f})
		assert.ErrorIs(t, err, ErrInvalidOutputFile, "case %d", i)
	}
}

func TestListForExecution(t *testing.T) {
	svc, st := newTestService(t, quota.NewLimiter(quota.Config{}), &fakeReleaser{})
	e := seedSuccess(t, st, []model.OutputFile{file(model.NewID(), 512)})

	files, err := svc.ListForExecution(context.Background(), e)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	running := &model.Execution{ID: e.ID, Steps: []model.Step{{Status: model.StatusRunning}}}
	files, err = svc.ListForExecution(context.Background(), running)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMarkDownloadedPartialFailure(t *testing.T) {
	limiter := quota.NewLimiter(quota.Config{MaxBytes: 300})
	svc, st := newTestService(t, limiter, &fakeReleaser{})
	a, b, c := model.NewID(), model.NewID(), model.NewID()
	seedSuccess(t, st, []model.OutputFile{file(a, 100), file(b, 100), file(c, 500)})

	results := svc.MarkDownloaded(context.Background(), alice, []string{a, b, c, "missing"})
	require.Len(t, results, 4)

	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.True(t, results[0].File.Downloaded)
	assert.NotNil(t, results[1].File.DownloadedAt)
	assert.ErrorIs(t, results[2].Err, ErrDownloadQuotaExceeded)
	assert.Nil(t, results[2].File)
	assert.ErrorIs(t, results[3].Err, ErrOutputFileNotFound)

	stored, err := st.GetOutputFile(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, stored.Downloaded)
	assert.Equal(t, int64(200), limiter.Used("alice"))
}

func TestMarkDownloadedRateExceeded(t *testing.T) {
	limiter := quota.NewLimiter(quota.Config{Rate: 0.0001, Burst: 1})
	svc, st := newTestService(t, limiter, &fakeReleaser{})
	a, b := model.NewID(), model.NewID()
	seedSuccess(t, st, []model.OutputFile{file(a, 1), file(b, 1)})

	results := svc.MarkDownloaded(context.Background(), alice, []string{a, b})
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrDownloadRateExceeded)
	assert.False(t, errors.Is(results[1].Err, ErrDownloadQuotaExceeded))
}

func TestMarkDownloadedQuotaError(t *testing.T) {
	svc, st := newTestService(t, errQuota{}, &fakeReleaser{})
	a := model.NewID()
	seedSuccess(t, st, []model.OutputFile{file(a, 1)})

	results := svc.MarkDownloaded(context.Background(), alice, []string{a})
	assert.Error(t, results[0].Err)
	assert.Nil(t, results[0].File)
}

func TestMarkDownloadedOtherTenant(t *testing.T) {
	limiter := quota.NewLimiter(quota.Config{MaxBytes: 1000})
	svc, st := newTestService(t, limiter, &fakeReleaser{})
	a := model.NewID()
	seedSuccess(t, st, []model.OutputFile{file(a, 512)})

	mallory := model.Principal{Tenant: "other", User: "mallory"}
	results := svc.MarkDownloaded(context.Background(), mallory, []string{a})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrOutputFileNotFound)
	assert.Nil(t, results[0].File)
	assert.Zero(t, limiter.Used("mallory"))

	stored, err := st.GetOutputFile(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, stored.Downloaded)
	assert.Nil(t, stored.DownloadedAt)
}

func TestMarkDownloadedTwiceChargesOnce(t *testing.T) {
	limiter := quota.NewLimiter(quota.Config{MaxBytes: 600})
	svc, st := newTestService(t, limiter, &fakeReleaser{})
	a := model.NewID()
	seedSuccess(t, st, []model.OutputFile{file(a, 512)})
	ctx := context.Background()

	first := svc.MarkDownloaded(ctx, alice, []string{a})
	require.NoError(t, first[0].Err)

	second := svc.MarkDownloaded(ctx, alice, []string{a})
	require.NoError(t, second[0].Err)
	assert.True(t, second[0].File.Downloaded)
	assert.Equal(t, first[0].File.DownloadedAt, second[0].File.DownloadedAt)
	assert.Equal(t, int64(512), limiter.Used("alice"))
}

func TestScheduledDeleteDownloadedFiles(t *testing.T) {
	rel := &fakeReleaser{fail: map[string]bool{}}
	svc, st := newTestService(t, quota.NewLimiter(quota.Config{}), rel)
	ctx := context.Background()
	oldID, edgeID, failID, freshID := model.NewID(), model.NewID(), model.NewID(), model.NewID()
	e := seedSuccess(t, st, []model.OutputFile{file(oldID, 1), file(edgeID, 1), file(failID, 1), file(freshID, 1)})
	rel.fail["s3://results/"+failID] = true

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return t0 }
	svc.MarkDownloaded(ctx, alice, []string{oldID, failID})
	svc.now = func() time.Time { return t0.Add(time.Nanosecond) }
	svc.MarkDownloaded(ctx, alice, []string{edgeID})

	// Exactly one retention window after edgeID's download.
	svc.now = func() time.Time { return t0.Add(time.Nanosecond).Add(24 * time.Hour) }
	purged, err := svc.ScheduledDeleteDownloadedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, []string{"s3://results/" + oldID}, rel.released)

	_, err = st.GetOutputFile(ctx, oldID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	for _, id := range []string{edgeID, failID, freshID} {
		_, err := st.GetOutputFile(ctx, id)
		assert.NoError(t, err, id)
	}

	// The release failure is retried on the next run.
	delete(rel.fail, "s3://results/"+failID)
	purged, err = svc.ScheduledDeleteDownloadedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// History still references every file.
	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	last, _ := got.LastStep()
	assert.Len(t, last.OutputFileIDs, 4)
	assert.Equal(t, model.StatusSuccess, got.CurrentStatus())
}
