package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

func TestAllowBurstThenRefill(t *testing.T) {
	l := New()
	defer l.Close() //nolint:errcheck
	ctx := context.Background()
	p := ratelimit.Policy{RPM: 60, Burst: 3}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 3 {
		d, err := l.Allow(ctx, "anon:10.0.0.1", p, now)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		require.Equal(t, 2-i, d.Remaining)
	}
	d, err := l.Allow(ctx, "anon:10.0.0.1", p, now)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 60, d.Limit)
	require.Equal(t, now.Add(3*time.Second).Unix(), d.ResetUnixSec)

	// other keys have their own bucket
	d, _ = l.Allow(ctx, "key:ops", p, now)
	require.True(t, d.Allowed)

	d, _ = l.Allow(ctx, "anon:10.0.0.1", p, now.Add(time.Second))
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "anon:10.0.0.1", p, now.Add(time.Second))
	require.False(t, d.Allowed)
}

func TestAllowDisabledPolicy(t *testing.T) {
	l := New()
	for range 100 {
		d, err := l.Allow(context.Background(), "k", ratelimit.Policy{}, time.Now())
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	require.Zero(t, l.Len())
}

func TestPrune(t *testing.T) {
	l := New()
	p := ratelimit.Policy{RPM: 60, Burst: 1}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _ = l.Allow(context.Background(), "old", p, now)
	_, _ = l.Allow(context.Background(), "new", p, now.Add(9*time.Minute))
	require.Equal(t, 2, l.Len())

	require.Equal(t, 1, l.Prune(now.Add(10*time.Minute), 5*time.Minute))
	require.Equal(t, 1, l.Len())
}
