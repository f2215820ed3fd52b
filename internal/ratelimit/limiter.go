package ratelimit

import (
	"context"
	"time"
)

// Policy is an inbound per-client budget: a token bucket refilled at RPM
// tokens per minute holding at most Burst tokens. A zero RPM or Burst
// disables the limit.
type Policy struct {
	RPM   int // requests per minute
	Burst int // bucket capacity
}

func (p Policy) Enabled() bool { return p.RPM > 0 && p.Burst > 0 }

type Decision struct {
	Allowed      bool
	Limit        int   // limit per minute
	Remaining    int   // tokens after this request (min 0)
	ResetUnixSec int64 // when tokens would be full if no more traffic
}

// Limiter decides whether the client identified by key may make another
// request. It guards the service's own API; Scheduler guards providers.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}
