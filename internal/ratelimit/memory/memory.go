package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

type bucket struct {
	mu         sync.Mutex
	token      float64
	lastRefill time.Time
}

// Limiter keeps one token bucket per client key in process memory.
type Limiter struct {
	bucket sync.Map // key -> *bucket
}

func New() *Limiter {
	return &Limiter{}
}

func (l *Limiter) Close() error {
	l.bucket.Clear()
	return nil
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if !p.Enabled() {
		return ratelimit.Decision{Allowed: true}, nil
	}

	refillPerSec := float64(p.RPM) / 60
	capacity := float64(p.Burst)

	v, _ := l.bucket.LoadOrStore(key, &bucket{
		token:      capacity,
		lastRefill: now,
	})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.token = min(b.token+elapsed*refillPerSec, capacity)
		b.lastRefill = now
	}

	allow := b.token >= 1.0
	if allow {
		b.token -= 1.0
	}

	// time until the bucket is full again
	resetSec := now.Unix()
	if b.token < capacity {
		sec := (capacity - b.token) / refillPerSec
		resetSec = now.Add(time.Duration(sec * float64(time.Second))).Unix()
	}

	return ratelimit.Decision{
		Allowed:      allow,
		Limit:        p.RPM,
		Remaining:    int(b.token),
		ResetUnixSec: resetSec,
	}, nil
}

// Prune drops buckets untouched for at least idle. Once idle exceeds the time
// a bucket needs to refill, dropping it changes no decision.
func (l *Limiter) Prune(now time.Time, idle time.Duration) int {
	n := 0
	l.bucket.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		stale := now.Sub(b.lastRefill) >= idle
		b.mu.Unlock()
		if stale {
			l.bucket.CompareAndDelete(k, v)
			n++
		}
		return true
	})
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	l.bucket.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
