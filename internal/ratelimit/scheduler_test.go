package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/fiatrates/internal/clock"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func newManualScheduler(t *testing.T, limits Limits, buffer time.Duration, start string) (*Scheduler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(ts(start))
	s, err := New(limits, buffer, WithClock(clk), WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, clk
}

// settled waits until no task is running, so every completion has pumped.
func settled(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Usages().Parallel == 0 }, waitFor, tick)
}

func isDone(f *Future) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func TestSchedulerFIFOUnlimited(t *testing.T) {
	s, err := New(Limits{}, 0)
	require.NoError(t, err)
	defer s.Close()

	var executed atomic.Int64
	for i := 1; i <= 10; i++ {
		got, err := Do(context.Background(), s, Low, func() (int64, error) {
			return executed.Add(1), nil
		})
		require.NoError(t, err)
		require.Equal(t, int64(i), got)
	}
}

func TestSchedulerConstructionValidation(t *testing.T) {
	_, err := New(Limits{Second: 20}, time.Second)
	require.ErrorIs(t, err, ErrInvalidConfig)

	s, err := New(Limits{Second: 20}, 400*time.Millisecond)
	require.NoError(t, err)
	s.Close()
}

func TestSchedulerPeriodLimits(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Second: 10, Minute: 35}, 0, "2024-01-01T00:00:00.500Z")

	var executed atomic.Int64
	for i := 0; i < 50; i++ {
		s.Schedule(func() (any, error) {
			executed.Add(1)
			return nil, nil
		}, Low)
	}

	expect := func(n int64) {
		t.Helper()
		require.Eventually(t, func() bool { return executed.Load() == n }, waitFor, tick)
		settled(t, s)
		require.Equal(t, n, executed.Load())
	}

	expect(10)
	clk.Advance(500 * time.Millisecond) // 00:00:01
	expect(20)
	clk.Advance(time.Second)
	expect(30)
	clk.Advance(time.Second)
	expect(35)
	require.Equal(t, 35, s.Usages().Minute)

	clk.Advance(time.Second)
	require.Never(t, func() bool { return executed.Load() != 35 }, 50*time.Millisecond, tick)

	clk.Set(ts("2024-01-01T00:01:00Z"))
	expect(45)
	clk.Advance(time.Second)
	expect(50)

	u := s.Usages()
	require.Equal(t, 5, u.Second)
	require.Equal(t, 15, u.Minute)
	require.Equal(t, 50, u.Hour)
}

func TestSchedulerParallelLimit(t *testing.T) {
	s, err := New(Limits{Parallel: 2}, 0)
	require.NoError(t, err)
	defer s.Close()

	var (
		mu      sync.Mutex
		running int
		peak    int
		started atomic.Int64
	)
	release := make(chan struct{})
	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		futures = append(futures, s.Schedule(func() (any, error) {
			started.Add(1)
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()

			<-release

			mu.Lock()
			running--
			mu.Unlock()
			return nil, nil
		}, Low))
	}

	require.Eventually(t, func() bool { return started.Load() == 2 }, waitFor, tick)
	require.Never(t, func() bool { return started.Load() > 2 }, 50*time.Millisecond, tick)

	release <- struct{}{}
	require.Eventually(t, func() bool { return started.Load() == 3 }, waitFor, tick)

	close(release)
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 2)
	settled(t, s)
}

func TestSchedulerHighPriorityJumpsQueue(t *testing.T) {
	s, err := New(Limits{Parallel: 1}, 0)
	require.NoError(t, err)
	defer s.Close()

	gate := make(chan struct{})
	first := s.Schedule(func() (any, error) {
		<-gate
		return nil, nil
	}, Low)

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func() (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}
	a := s.Schedule(record("a"), Low)
	b := s.Schedule(record("b"), Low)
	c := s.Schedule(record("c"), High)
	d := s.Schedule(record("d"), High)
	e := s.Schedule(record("e"), Low)
	g := s.Schedule(record("g"), High)

	close(gate)
	for _, f := range []*Future{first, a, b, c, d, e, g} {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, []string{"c", "d", "g", "a", "b", "e"}, order)
}

func TestSchedulerPauseIsMonotonic(t *testing.T) {
	for _, order := range [][2]time.Duration{{5 * time.Second, 2 * time.Second}, {2 * time.Second, 5 * time.Second}} {
		s, clk := newManualScheduler(t, Limits{}, 0, "2024-01-01T00:00:00Z")
		start := clk.Now()

		s.Pause(order[0])
		s.Pause(order[1])
		require.True(t, s.PausedUntil().Equal(start.Add(5*time.Second)), "pause order %v", order)

		clk.Advance(4 * time.Second)
		require.True(t, s.PausedUntil().Equal(start.Add(5*time.Second)))
		s.Pause(500 * time.Millisecond)
		require.True(t, s.PausedUntil().Equal(start.Add(5*time.Second)))
	}
}

func TestSchedulerPauseBlocksAdmission(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Second: 100}, 0, "2024-01-01T00:00:00Z")

	s.Pause(5 * time.Second)
	s.Pause(2 * time.Second)
	f := s.Schedule(func() (any, error) { return "ok", nil }, Low)

	clk.Advance(2 * time.Second)
	require.False(t, isDone(f))
	require.Equal(t, 0, s.Usages().Second)

	clk.Advance(3 * time.Second)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.True(t, s.PausedUntil().IsZero())
}

func TestSchedulerSafetyBufferExclusion(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Second: 5}, 100*time.Millisecond, "2024-01-01T00:00:00.950Z")

	f := s.Schedule(func() (any, error) { return nil, nil }, Low)
	require.False(t, isDone(f))

	clk.Advance(100 * time.Millisecond) // 01.050, still inside the window
	require.False(t, isDone(f))
	require.Equal(t, 0, s.Usages().Second)

	clk.Advance(50 * time.Millisecond) // 01.100
	_, err := f.Wait(context.Background())
	require.NoError(t, err)
}

func TestSchedulerSafetyBufferOutsideWindowAdmits(t *testing.T) {
	s, _ := newManualScheduler(t, Limits{Second: 5}, 100*time.Millisecond, "2024-01-01T00:00:00.850Z")

	f := s.Schedule(func() (any, error) { return nil, nil }, Low)
	_, err := f.Wait(context.Background())
	require.NoError(t, err)
}

func TestSchedulerTriggerRateLimit(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Minute: 5}, 0, "2024-01-01T00:00:10Z")

	require.NoError(t, s.SetUsages(UsageUpdate{Periods: map[Period]int{Minute: 2}}, Overwrite))
	require.Equal(t, 2, s.Usages().Minute)

	require.NoError(t, s.TriggerRateLimit(Minute))
	u := s.Usages()
	require.Equal(t, 5, u.Minute)
	require.Equal(t, 5, u.Hour)

	f := s.Schedule(func() (any, error) { return nil, nil }, Low)
	clk.Advance(30 * time.Second)
	require.False(t, isDone(f))

	clk.Set(ts("2024-01-01T00:01:00Z"))
	_, err := f.Wait(context.Background())
	require.NoError(t, err)
}

func TestSchedulerTriggerRateLimitUnconfigured(t *testing.T) {
	s, _ := newManualScheduler(t, Limits{Minute: 5}, 0, "2024-01-01T00:00:10Z")

	require.NoError(t, s.TriggerRateLimit(Hour))
	require.Equal(t, Usages{}, s.Usages())

	require.ErrorIs(t, s.TriggerRateLimit(Period(42)), ErrUnknownPeriod)
}

func TestSchedulerSetUsagesRepairsConsistency(t *testing.T) {
	s, _ := newManualScheduler(t, Limits{}, 0, "2024-01-01T00:00:10Z")

	require.NoError(t, s.SetUsages(UsageUpdate{Periods: map[Period]int{Minute: 9, Day: 0}}, Overwrite))
	u := s.Usages()
	require.LessOrEqual(t, u.Second, u.Minute)
	require.LessOrEqual(t, u.Minute, u.Hour)
	require.LessOrEqual(t, u.Hour, u.Day)
	require.LessOrEqual(t, u.Day, u.Month)
	require.Equal(t, 9, u.Minute)

	require.NoError(t, s.SetUsages(UsageUpdate{Periods: map[Period]int{Minute: 3}}, IncreaseOnly))
	require.Equal(t, 9, s.Usages().Minute)
	require.NoError(t, s.SetUsages(UsageUpdate{Periods: map[Period]int{Minute: 12}}, DecreaseOnly))
	require.Equal(t, 9, s.Usages().Minute)

	require.ErrorIs(t, s.SetUsages(UsageUpdate{Periods: map[Period]int{Hour: -1}}, Overwrite), ErrInvalidUsage)
	require.ErrorIs(t, s.SetUsages(UsageUpdate{Periods: map[Period]int{Period(9): 1}}, Overwrite), ErrUnknownPeriod)
	require.ErrorIs(t, s.SetUsages(UsageUpdate{}, UpdateMode(7)), ErrUnknownMode)
}

func TestSchedulerSetUsagesParallel(t *testing.T) {
	s, _ := newManualScheduler(t, Limits{Parallel: 1}, 0, "2024-01-01T00:00:10Z")

	one := 1
	require.NoError(t, s.SetUsages(UsageUpdate{Parallel: &one}, Overwrite))
	f := s.Schedule(func() (any, error) { return nil, nil }, Low)
	require.False(t, isDone(f))

	zero := 0
	require.NoError(t, s.SetUsages(UsageUpdate{Parallel: &zero}, DecreaseOnly))
	_, err := f.Wait(context.Background())
	require.NoError(t, err)
}

func TestSchedulerCountersRollOver(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{}, 0, "2024-01-31T23:59:59.500Z")

	_, err := s.Schedule(func() (any, error) { return nil, nil }, Low).Wait(context.Background())
	require.NoError(t, err)
	settled(t, s)
	require.Equal(t, Usages{Second: 1, Minute: 1, Hour: 1, Day: 1, Month: 1}, s.Usages())

	clk.Advance(time.Second)
	require.Equal(t, Usages{}, s.Usages())
}

func TestSchedulerSetRateLimits(t *testing.T) {
	s, _ := newManualScheduler(t, Limits{Second: 1}, 0, "2024-01-01T00:00:00.500Z")

	futures := []*Future{}
	for i := 0; i < 3; i++ {
		futures = append(futures, s.Schedule(func() (any, error) { return nil, nil }, Low))
	}
	_, err := futures[0].Wait(context.Background())
	require.NoError(t, err)
	require.False(t, isDone(futures[2]))

	require.NoError(t, s.SetRateLimits(Limits{}))
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
}

func TestSchedulerSetRateLimitsRejected(t *testing.T) {
	s, _ := newManualScheduler(t, Limits{Minute: 5}, 600*time.Millisecond, "2024-01-01T00:00:00Z")

	err := s.SetRateLimits(Limits{Second: 1})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, Limits{Minute: 5}, s.RateLimits())
}

func TestSchedulerTaskFailure(t *testing.T) {
	s, err := New(Limits{Parallel: 1}, 0)
	require.NoError(t, err)
	defer s.Close()

	boom := errors.New("boom")
	_, err = Do(context.Background(), s, Low, func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	_, err = Do(context.Background(), s, Low, func() (string, error) { panic("kaput") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "kaput", pe.Value)

	got, err := Do(context.Background(), s, Low, func() (string, error) { return "fine", nil })
	require.NoError(t, err)
	require.Equal(t, "fine", got)
	settled(t, s)
}

func TestSchedulerDoContextCanceled(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Second: 1}, 0, "2024-01-01T00:00:00.500Z")

	_, err := Do(context.Background(), s, Low, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Do(ctx, s, Low, func() (int, error) {
		ran.Store(true)
		return 2, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ran.Load())

	clk.Advance(time.Second)
	require.Eventually(t, ran.Load, waitFor, tick)
}

func TestSchedulerSingleTimer(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Second: 1, Minute: 10}, 0, "2024-01-01T00:00:00.500Z")

	for i := 0; i < 20; i++ {
		s.Schedule(func() (any, error) { return nil, nil }, Low)
	}
	settled(t, s)
	require.Equal(t, 1, clk.Pending())

	s.Pause(10 * time.Second)
	require.Equal(t, 1, clk.Pending())
	require.NoError(t, s.SetUsages(UsageUpdate{Periods: map[Period]int{Minute: 4}}, IncreaseOnly))
	require.Equal(t, 1, clk.Pending())
	require.NoError(t, s.SetRateLimits(Limits{Second: 2}))
	require.Equal(t, 1, clk.Pending())
}

func TestSchedulerIdleArmsNoTimer(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Second: 1}, 0, "2024-01-01T00:00:00.500Z")

	_, err := s.Schedule(func() (any, error) { return nil, nil }, Low).Wait(context.Background())
	require.NoError(t, err)
	settled(t, s)
	require.Equal(t, 0, clk.Pending())
}

func TestSchedulerClose(t *testing.T) {
	s, clk := newManualScheduler(t, Limits{Second: 1}, 0, "2024-01-01T00:00:00.500Z")

	first := s.Schedule(func() (any, error) { return nil, nil }, Low)
	second := s.Schedule(func() (any, error) { return nil, nil }, Low)
	_, err := first.Wait(context.Background())
	require.NoError(t, err)

	s.Close()
	_, err = second.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, 0, clk.Pending())

	_, err = s.Schedule(func() (any, error) { return nil, nil }, Low).Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
