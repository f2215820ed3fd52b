package ratelimit

import (
	"time"
)

// pumpLocked admits queued tasks until the queue is empty or something blocks
// admission, in which case it arms a single timer for the earliest moment
// admission can succeed. A blocked parallel limit arms nothing: the next task
// completion pumps again. Must be called with s.mu held.
func (s *Scheduler) pumpLocked() {
	s.stopTimerLocked()
	if s.closed {
		return
	}
	now := s.clock.Now()
	s.rolloverLocked(now)
	defer func() {
		s.observer.QueueDepth(s.name, len(s.queue))
		s.observer.Running(s.name, s.parallel)
	}()

	for len(s.queue) > 0 {
		if s.limits.Parallel > 0 && s.parallel >= s.limits.Parallel {
			s.observer.Deferred(s.name, DeferParallel, 0)
			return
		}
		if now.Before(s.pausedUntil) {
			s.deferLocked(DeferPaused, s.pausedUntil.Sub(now), -1)
			return
		}
		if p, reason, blocked := s.blockingPeriodLocked(now); blocked {
			s.deferLocked(reason, s.resets[p].Sub(now), p)
			return
		}

		f := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if s.highQueued > 0 {
			s.highQueued--
		}
		s.incrementLocked(now)
		s.observer.Admitted(s.name)
		go s.run(f)
	}
}

// blockingPeriodLocked returns the longest period that is either exhausted or
// inside the safety buffer around its boundary.
func (s *Scheduler) blockingPeriodLocked(now time.Time) (Period, DeferReason, bool) {
	for i := numPeriods - 1; i >= 0; i-- {
		p := Periods[i]
		limit := s.limits.Period(p)
		if limit <= 0 {
			continue
		}
		if s.counts[p] >= limit {
			return p, DeferLimit, true
		}
		if s.buffer > 0 && !now.Before(s.resets[p].Add(-2*s.buffer)) {
			return p, DeferBuffer, true
		}
	}
	return 0, "", false
}

func (s *Scheduler) deferLocked(reason DeferReason, wait time.Duration, p Period) {
	s.observer.Deferred(s.name, reason, wait)
	ev := s.log.Debug().Str("reason", string(reason)).Dur("wait", wait).Int("queued", len(s.queue))
	if p >= 0 {
		ev = ev.Stringer("period", p)
	}
	ev.Msg("admission deferred")
	s.armLocked(wait)
}

// armLocked starts the only live timer. A callback whose generation is stale
// lost a race with stopTimerLocked and does nothing.
func (s *Scheduler) armLocked(d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.timerGen {
			return
		}
		s.timer = nil
		s.pumpLocked()
	})
}

func (s *Scheduler) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// rolloverLocked zeroes every period whose reset time has passed.
func (s *Scheduler) rolloverLocked(now time.Time) {
	for _, p := range Periods {
		if !now.Before(s.resets[p]) {
			s.counts[p] = 0
			s.resets[p] = ResetTime(p, now, s.buffer)
		}
	}
}

func (s *Scheduler) incrementLocked(now time.Time) {
	s.rolloverLocked(now)
	for _, p := range Periods {
		s.counts[p]++
	}
	s.parallel++
}

func (s *Scheduler) run(f *Future) {
	v, err := call(f.task)

	s.mu.Lock()
	if s.parallel > 0 {
		s.parallel--
	}
	if err != nil {
		s.observer.TaskFailed(s.name)
	}
	s.pumpLocked()
	s.mu.Unlock()

	f.settle(v, err)
}

func call(task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &PanicError{Value: r}
		}
	}()
	return task()
}
