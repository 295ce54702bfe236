package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestParseSpec(t *testing.T) {
	for _, spec := range []string{"@every 30s", "@hourly", "*/5 * * * *", " 0 3 * * * "} {
		_, err := ParseSpec(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"", "   ", "every 30s", "* * *", "61 * * * *"} {
		_, err := ParseSpec(spec)
		assert.Error(t, err, spec)
	}
}

func TestAddRejectsBadSpec(t *testing.T) {
	s := New(discardLogger())
	err := s.Add(Job{Name: "bad", Spec: "often", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestJobsNeverOverlap(t *testing.T) {
	s := New(discardLogger())

	var (
		runs, active, maxActive atomic.Int32
	)
	require.NoError(t, s.Add(Job{
		Name: "slow",
		Spec: "@every 1s",
		Run: func(ctx context.Context) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			runs.Add(1)
			select {
			case <-time.After(1500 * time.Millisecond):
			case <-ctx.Done():
			}
			return nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, runs.Load(), int32(1))
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Zero(t, active.Load())
}

func TestPanicAndErrorDoNotStopScheduler(t *testing.T) {
	s := New(discardLogger())

	var panics, failures atomic.Int32
	require.NoError(t, s.Add(Job{Name: "panics", Spec: "@every 1s", Run: func(context.Context) error {
		panics.Add(1)
		panic("boom")
	}}))
	require.NoError(t, s.Add(Job{Name: "fails", Spec: "@every 1s", Run: func(context.Context) error {
		failures.Add(1)
		return errors.New("nope")
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, panics.Load(), int32(2))
	assert.GreaterOrEqual(t, failures.Load(), int32(2))
}
