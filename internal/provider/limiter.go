package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates submissions per key (the task kind).
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// LocalLimiter is an in-process token bucket per key, used when no shared
// Redis limiter is configured.
type LocalLimiter struct {
	mu      sync.Mutex
	perMin  int
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter allows perMinute submissions per key, with bursts up to the
// same amount.
func NewLocalLimiter(perMinute int) *LocalLimiter {
	return &LocalLimiter{perMin: perMinute, buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Limit() int { return l.perMin }

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.perMin <= 0 {
		return true, nil
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}
