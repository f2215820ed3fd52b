package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Period is a calendar-aligned window over which a usage count resets.
type Period int

const (
	Second Period = iota
	Minute
	Hour
	Day
	Month

	numPeriods = int(Month) + 1
)

// Periods lists every period, shortest first.
var Periods = [numPeriods]Period{Second, Minute, Hour, Day, Month}

var periodNames = [numPeriods]string{"second", "minute", "hour", "day", "month"}

func (p Period) String() string {
	if !p.valid() {
		return fmt.Sprintf("period(%d)", int(p))
	}
	return periodNames[p]
}

func (p Period) valid() bool { return p >= Second && p <= Month }

// ParsePeriod maps "second", "minute", "hour", "day" or "month" to a Period.
func ParsePeriod(s string) (Period, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range periodNames {
		if n == name {
			return Period(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPeriod, s)
}

// minLength is the shortest instance of the period. Months use February.
func (p Period) minLength() time.Duration {
	switch p {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 28 * 24 * time.Hour
	}
}

// ResetTime returns the first boundary of p strictly after now-buffer, shifted
// by buffer. Boundaries are aligned in UTC; months roll over on the calendar.
func ResetTime(p Period, now time.Time, buffer time.Duration) time.Time {
	t := now.Add(-buffer).UTC()
	var next time.Time
	switch p {
	case Second:
		next = t.Truncate(time.Second).Add(time.Second)
	case Minute:
		next = t.Truncate(time.Minute).Add(time.Minute)
	case Hour:
		next = t.Truncate(time.Hour).Add(time.Hour)
	case Day:
		y, m, d := t.Date()
		next = time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	case Month:
		y, m, _ := t.Date()
		next = time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		panic(fmt.Sprintf("ratelimit: ResetTime called with %s", p))
	}
	return next.Add(buffer)
}
