package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the scheduler.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or from Advance (Manual)
	// once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single-shot delayed callback.
type Timer interface {
	// Stop reports whether the call prevented the callback from running.
	Stop() bool
}

type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Manual is a clock that only moves when told to. Timers fire synchronously
// from Advance and Set, in deadline order, with Now reporting each timer's
// deadline while its callback runs.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	c        *Manual
	seq      uint64
	deadline time.Time
	f        func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{c: c, seq: c.seq, deadline: c.now.Add(d), f: f}
	c.pending = append(c.pending, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *Manual) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Advance moves the clock forward by d. Panics if d is negative.
func (c *Manual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t, firing every timer due at or before t.
// Panics if t is before the current time.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	if t.Before(c.now) {
		c.mu.Unlock()
		panic("clock: cannot set time to the past")
	}
	c.mu.Unlock()

	for {
		next := c.popDue(t)
		if next == nil {
			break
		}
		next.f()
	}

	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// popDue removes the earliest timer due at or before t and moves the clock
// to its deadline.
func (c *Manual) popDue(t time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].deadline.Equal(c.pending[j].deadline) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
	first := c.pending[0]
	if first.deadline.After(t) {
		return nil
	}
	c.pending = c.pending[1:]
	if first.deadline.After(c.now) {
		c.now = first.deadline
	}
	return first
}

func (t *manualTimer) Stop() bool {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}
