package ratelimit

import "time"

// DeferReason says why the admission loop stopped with tasks still queued.
type DeferReason string

const (
	DeferParallel DeferReason = "parallel"
	DeferPaused   DeferReason = "paused"
	DeferLimit    DeferReason = "limit"
	DeferBuffer   DeferReason = "safety_buffer"
)

// Observer receives scheduler events. Calls are made while the scheduler
// lock is held, so implementations must not call back into the scheduler.
type Observer interface {
	QueueDepth(scheduler string, n int)
	Running(scheduler string, n int)
	Admitted(scheduler string)
	Deferred(scheduler string, reason DeferReason, wait time.Duration)
	TaskFailed(scheduler string)
	Paused(scheduler string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) QueueDepth(string, int) {}
func (nopObserver) Running(string, int) {}
func (nopObserver) Admitted(string) {}
func (nopObserver) Deferred(string, DeferReason, time.Duration) {}
func (nopObserver) TaskFailed(string) {}
func (nopObserver) Paused(string, time.Duration) {}
