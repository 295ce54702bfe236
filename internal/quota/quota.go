// Package quota decides whether a user may download more output bytes. Each
// user has a cumulative byte quota and a token-bucket download rate.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a quota check.
type Decision int

const (
	Allowed Decision = iota
	QuotaExceeded
	RateExceeded
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case QuotaExceeded:
		return "quota_exceeded"
	case RateExceeded:
		return "rate_exceeded"
	default:
		return "unknown"
	}
}

// Config bounds each user. A zero MaxBytes disables the byte quota and a
// zero Rate disables rate limiting.
type Config struct {
	MaxBytes int64
	Rate     rate.Limit
	Burst    int
}

type userState struct {
	mu      sync.Mutex
	used    int64
	limiter *rate.Limiter
}

// Limiter tracks per-user consumption in memory.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

// NewLimiter creates a Limiter with the given bounds.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Limiter{
		cfg:   cfg,
		now:   time.Now,
		users: make(map[string]*userState),
	}
}

// CheckAndConsume checks whether userID may download sizeBytes more. The
// byte quota is checked first; a download refused for rate does not count
// against the quota. Checks for one user are serialised.
func (l *Limiter) CheckAndConsume(_ context.Context, userID string, sizeBytes int64) (Decision, error) {
	u := l.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if l.cfg.MaxBytes > 0 && u.used+sizeBytes > l.cfg.MaxBytes {
		return QuotaExceeded, nil
	}
	if u.limiter != nil && !u.limiter.AllowN(l.now(), 1) {
		return RateExceeded, nil
	}
	u.used += sizeBytes
	return Allowed, nil
}

// Used returns the bytes consumed by userID so far.
func (l *Limiter) Used(userID string) int64 {
	u := l.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.used
}

func (l *Limiter) user(userID string) *userState {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		u = &userState{}
		if l.cfg.Rate > 0 {
			u.limiter = rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)
		}
		l.users[userID] = u
	}
	return u
}
