package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Limits caps calls per period plus concurrently running tasks.
// Zero means unlimited.
type Limits struct {
	Second   int `yaml:"second" json:"second,omitempty"`
	Minute   int `yaml:"minute" json:"minute,omitempty"`
	Hour     int `yaml:"hour" json:"hour,omitempty"`
	Day      int `yaml:"day" json:"day,omitempty"`
	Month    int `yaml:"month" json:"month,omitempty"`
	Parallel int `yaml:"parallel" json:"parallel,omitempty"`
}

// Period returns the limit for p.
func (l Limits) Period(p Period) int {
	switch p {
	case Second:
		return l.Second
	case Minute:
		return l.Minute
	case Hour:
		return l.Hour
	case Day:
		return l.Day
	case Month:
		return l.Month
	}
	return 0
}

func (l Limits) String() string {
	var parts []string
	for _, p := range Periods {
		if v := l.Period(p); v > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", p, v))
		}
	}
	if l.Parallel > 0 {
		parts = append(parts, fmt.Sprintf("parallel=%d", l.Parallel))
	}
	if len(parts) == 0 {
		return "unlimited"
	}
	return strings.Join(parts, " ")
}

func (l Limits) validate(buffer time.Duration) error {
	if buffer < 0 {
		return fmt.Errorf("%w: negative safety buffer %s", ErrInvalidConfig, buffer)
	}
	if l.Parallel < 0 {
		return fmt.Errorf("%w: negative parallel limit", ErrInvalidConfig)
	}
	for _, p := range Periods {
		v := l.Period(p)
		if v < 0 {
			return fmt.Errorf("%w: negative %s limit", ErrInvalidConfig, p)
		}
		if v > 0 && 2*buffer >= p.minLength() {
			return fmt.Errorf("%w: safety buffer %s leaves no admission window in a %s", ErrInvalidConfig, buffer, p)
		}
	}
	return nil
}

// Usages is a snapshot of calls made in the current instance of each period
// and of tasks currently running.
type Usages struct {
	Second   int `json:"second"`
	Minute   int `json:"minute"`
	Hour     int `json:"hour"`
	Day      int `json:"day"`
	Month    int `json:"month"`
	Parallel int `json:"parallel"`
}

// Period returns the usage for p.
func (u Usages) Period(p Period) int {
	switch p {
	case Second:
		return u.Second
	case Minute:
		return u.Minute
	case Hour:
		return u.Hour
	case Day:
		return u.Day
	case Month:
		return u.Month
	}
	return 0
}

func usagesFrom(counts [numPeriods]int, parallel int) Usages {
	return Usages{
		Second:   counts[Second],
		Minute:   counts[Minute],
		Hour:     counts[Hour],
		Day:      counts[Day],
		Month:    counts[Month],
		Parallel: parallel,
	}
}

// UpdateMode controls how SetUsages treats values lower or higher than the
// current counters.
type UpdateMode int

const (
	Overwrite UpdateMode = iota
	IncreaseOnly
	DecreaseOnly
)

func (m UpdateMode) String() string {
	switch m {
	case Overwrite:
		return "overwrite"
	case IncreaseOnly:
		return "increase-only"
	case DecreaseOnly:
		return "decrease-only"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseUpdateMode(s string) (UpdateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return Overwrite, nil
	case "increase-only":
		return IncreaseOnly, nil
	case "decrease-only":
		return DecreaseOnly, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// UsageUpdate is a partial set of usage counters reported by an external
// source. Missing periods keep their current value.
type UsageUpdate struct {
	Periods  map[Period]int
	Parallel *int
}

func (u UsageUpdate) validate(mode UpdateMode) error {
	if mode < Overwrite || mode > DecreaseOnly {
		return fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	for p, v := range u.Periods {
		if !p.valid() {
			return fmt.Errorf("%w: %s", ErrUnknownPeriod, p)
		}
		if v < 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidUsage, p, v)
		}
	}
	if u.Parallel != nil && *u.Parallel < 0 {
		return fmt.Errorf("%w: parallel=%d", ErrInvalidUsage, *u.Parallel)
	}
	return nil
}

func applyMode(current, incoming int, mode UpdateMode) int {
	switch mode {
	case IncreaseOnly:
		return max(current, incoming)
	case DecreaseOnly:
		return min(current, incoming)
	}
	return incoming
}

// mergeCounts applies reported period counts to current and repairs
// cross-period consistency so that second <= minute <= hour <= day <= month.
//
// A counter that was not reported is capped by the lowest reported value of
// any longer period. Every counter is then raised to at least the value of
// each shorter one, so contradicting reports resolve toward the higher usage.
func mergeCounts(current [numPeriods]int, reported map[Period]int, mode UpdateMode) [numPeriods]int {
	var desired [numPeriods]int
	var explicit [numPeriods]bool
	for _, p := range Periods {
		desired[p] = current[p]
		if v, ok := reported[p]; ok {
			desired[p] = applyMode(current[p], v, mode)
			explicit[p] = true
		}
	}

	// top-down caps from longer periods
	capped := desired
	upper := -1
	for i := numPeriods - 1; i >= 0; i-- {
		if !explicit[i] && upper >= 0 && capped[i] > upper {
			capped[i] = upper
		}
		if upper < 0 || desired[i] < upper {
			upper = desired[i]
		}
	}

	// bottom-up floors from shorter periods; the floor wins over the cap
	var out [numPeriods]int
	lower := 0
	for i := 0; i < numPeriods; i++ {
		out[i] = max(capped[i], lower)
		lower = out[i]
	}
	return out
}
