package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when limits or the safety buffer cannot
	// work together, e.g. a buffer that swallows a whole second.
	ErrInvalidConfig = errors.New("ratelimit: invalid configuration")
	ErrUnknownPeriod = errors.New("ratelimit: unknown period")
	ErrUnknownMode   = errors.New("ratelimit: unknown usage update mode")
	ErrInvalidUsage  = errors.New("ratelimit: usage must not be negative")
	// ErrClosed settles tasks still queued when the scheduler is closed.
	ErrClosed = errors.New("ratelimit: scheduler closed")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("ratelimit: task panicked: %v", e.Value)
}
