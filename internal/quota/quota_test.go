package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestByteQuota(t *testing.T) {
	l := NewLimiter(Config{MaxBytes: 1000})
	ctx := context.Background()

	d, err := l.CheckAndConsume(ctx, "alice", 600)
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	d, _ = l.CheckAndConsume(ctx, "alice", 401)
	assert.Equal(t, QuotaExceeded, d)

	d, _ = l.CheckAndConsume(ctx, "alice", 400)
	assert.Equal(t, Allowed, d)
	assert.Equal(t, int64(1000), l.Used("alice"))

	// Quotas are per user.
	d, _ = l.CheckAndConsume(ctx, "bob", 1000)
	assert.Equal(t, Allowed, d)
}

func TestRateDenialDoesNotConsumeQuota(t *testing.T) {
	l := NewLimiter(Config{MaxBytes: 1000, Rate: rate.Every(time.Hour), Burst: 1})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	d, _ := l.CheckAndConsume(ctx, "alice", 100)
	assert.Equal(t, Allowed, d)

	d, _ = l.CheckAndConsume(ctx, "alice", 100)
	assert.Equal(t, RateExceeded, d)
	assert.Equal(t, int64(100), l.Used("alice"))

	// Quota is checked before rate.
	d, _ = l.CheckAndConsume(ctx, "alice", 5000)
	assert.Equal(t, QuotaExceeded, d)

	now = now.Add(time.Hour)
	d, _ = l.CheckAndConsume(ctx, "alice", 100)
	assert.Equal(t, Allowed, d)
	assert.Equal(t, int64(200), l.Used("alice"))
}

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		d, err := l.CheckAndConsume(context.Background(), "alice", 1<<40)
		require.NoError(t, err)
		require.Equal(t, Allowed, d)
	}
}

func TestConcurrentChecksNeverOverspend(t *testing.T) {
	l := NewLimiter(Config{MaxBytes: 50})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 100 {
		wg.Go(func() {
			d, _ := l.CheckAndConsume(context.Background(), "alice", 1)
			if d == Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
	assert.Equal(t, int64(50), l.Used("alice"))
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "quota_exceeded", QuotaExceeded.String())
	assert.Equal(t, "rate_exceeded", RateExceeded.String())
}
