package ratelimit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/fiatrates/internal/clock"
)

// Priority selects the queue lane of a task.
type Priority int

const (
	// Low tasks are appended to the tail of the queue.
	Low Priority = iota
	// High tasks are admitted before every queued Low task, in submission
	// order among themselves.
	High
)

func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

// Task is a unit of work admitted by the scheduler.
type Task func() (any, error)

// Scheduler admits queued tasks only when every configured period limit,
// the parallel limit and any pause allow it. One Scheduler should be used per
// rate-limited upstream; instances share nothing.
type Scheduler struct {
	mu sync.Mutex

	name     string
	clock    clock.Clock
	buffer   time.Duration
	log      zerolog.Logger
	observer Observer

	limits      Limits
	counts      [numPeriods]int
	resets      [numPeriods]time.Time
	parallel    int
	pausedUntil time.Time

	// queue holds the high lane followed by the low lane; highQueued is the
	// length of the high lane.
	queue      []*Future
	highQueued int

	timer    clock.Timer
	timerGen uint64
	closed   bool
}

type Option func(*Scheduler)

// WithName labels log lines and metrics.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// New creates a scheduler. safetyBuffer keeps admission closed for that long
// on both sides of every period boundary; it must leave room for admission in
// the shortest configured period.
func New(limits Limits, safetyBuffer time.Duration, opts ...Option) (*Scheduler, error) {
	if err := limits.validate(safetyBuffer); err != nil {
		return nil, err
	}
	s := &Scheduler{
		name:     "default",
		clock:    clock.NewReal(),
		buffer:   safetyBuffer,
		log:      zerolog.Nop(),
		observer: nopObserver{},
		limits:   limits,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("scheduler", s.name).Logger()

	now := s.clock.Now()
	for _, p := range Periods {
		s.resets[p] = ResetTime(p, now, s.buffer)
	}
	return s, nil
}

func (s *Scheduler) Name() string { return s.name }

// Schedule queues task and returns a Future settled with its result once the
// task has been admitted and has run.
func (s *Scheduler) Schedule(task Task, priority Priority) *Future {
	f := newFuture(task)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		f.settle(nil, ErrClosed)
		return f
	}
	if priority == High {
		s.queue = slices.Insert(s.queue, s.highQueued, f)
		s.highQueued++
	} else {
		s.queue = append(s.queue, f)
	}
	s.pumpLocked()
	return f
}

// Do schedules fn and waits for its result. If ctx ends first, Do returns
// ctx.Err() while the task still runs when admitted.
func Do[T any](ctx context.Context, s *Scheduler, priority Priority, fn func() (T, error)) (T, error) {
	f := s.Schedule(func() (any, error) { return fn() }, priority)
	v, err := f.Wait(ctx)
	t, _ := v.(T)
	return t, err
}

// Pause blocks admission for at least d from now. An existing longer pause
// is kept.
func (s *Scheduler) Pause(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.clock.Now().Add(d)
	if until.After(s.pausedUntil) {
		s.pausedUntil = until
		s.log.Debug().Dur("duration", d).Time("until", until).Msg("paused")
	}
	s.observer.Paused(s.name, d)
	s.pumpLocked()
}

// PausedUntil returns the end of the current pause, or the zero time.
func (s *Scheduler) PausedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.clock.Now().Before(s.pausedUntil) {
		return time.Time{}
	}
	return s.pausedUntil
}

// SetRateLimits replaces the configured limits. Limits that would make the
// safety buffer swallow a whole period are rejected and the old ones kept.
func (s *Scheduler) SetRateLimits(limits Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := limits.validate(s.buffer); err != nil {
		s.log.Warn().Err(err).Str("limits", limits.String()).Msg("rejected rate limits")
		return err
	}
	s.limits = limits
	s.log.Debug().Str("limits", limits.String()).Msg("rate limits updated")
	s.pumpLocked()
	return nil
}

func (s *Scheduler) RateLimits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.limits
	s.pumpLocked()
	return l
}

// SetUsages applies externally reported usage counters. See mergeCounts for
// how inconsistent reports are repaired.
func (s *Scheduler) SetUsages(update UsageUpdate, mode UpdateMode) error {
	if err := update.validate(mode); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked(s.clock.Now())
	s.counts = mergeCounts(s.counts, update.Periods, mode)
	if update.Parallel != nil {
		s.parallel = applyMode(s.parallel, *update.Parallel, mode)
	}
	s.pumpLocked()
	return nil
}

func (s *Scheduler) Usages() Usages {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pumpLocked()
	return usagesFrom(s.counts, s.parallel)
}

// TriggerRateLimit records that the upstream reported p's limit as reached.
// It is a no-op when p has no configured limit.
func (s *Scheduler) TriggerRateLimit(p Period) error {
	if !p.valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPeriod, p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.limits.Period(p)
	if limit <= 0 {
		return nil
	}
	s.rolloverLocked(s.clock.Now())
	s.counts = mergeCounts(s.counts, map[Period]int{p: limit}, IncreaseOnly)
	s.log.Debug().Stringer("period", p).Int("limit", limit).Msg("rate limit triggered")
	s.pumpLocked()
	return nil
}

// Close cancels the pending timer and fails every task still queued with
// ErrClosed. Running tasks finish normally.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimerLocked()
	for _, f := range s.queue {
		f.settle(nil, ErrClosed)
	}
	s.queue = nil
	s.highQueued = 0
	s.observer.QueueDepth(s.name, 0)
}

// Future is the pending result of a scheduled task.
type Future struct {
	task Task
	done chan struct{}
	val  any
	err  error
}

func newFuture(task Task) *Future {
	return &Future{task: task, done: make(chan struct{})}
}

func (f *Future) settle(v any, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the task result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task has run or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
