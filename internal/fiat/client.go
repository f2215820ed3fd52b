package fiat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlexKimmel/fiatrates/internal/clock"
	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

const maxBodyBytes = 1 << 20

// UpstreamRecorder counts provider responses; *obs.Metrics implements it.
type UpstreamRecorder interface {
	Upstream(provider string, code int)
}

type Options struct {
	// Name labels the scheduler, logs and metrics. Defaults to the provider kind.
	Name       string
	HTTPClient *http.Client
	// Limits overrides the provider's DefaultLimits.
	Limits *ratelimit.Limits
	// SafetyBuffer overrides the provider's DefaultSafetyBuffer when > 0.
	SafetyBuffer time.Duration
	MaxRetries   int
	Clock        clock.Clock
	Logger       zerolog.Logger
	Observer     ratelimit.Observer
	Upstream     UpstreamRecorder
}

// Client sends every request to one provider through its own scheduler and
// feeds the provider's rate limit signals back into it.
type Client struct {
	name       string
	provider   Provider
	http       *http.Client
	sched      *ratelimit.Scheduler
	maxRetries int
	log        zerolog.Logger
	upstream   UpstreamRecorder
}

func NewClient(p Provider, opts Options) (*Client, error) {
	name := opts.Name
	if name == "" {
		name = p.Kind()
	}
	limits := p.DefaultLimits()
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	buffer := p.DefaultSafetyBuffer()
	if opts.SafetyBuffer > 0 {
		buffer = opts.SafetyBuffer
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: NewHTTPTransport(), Timeout: 10 * time.Second}
	}
	log := opts.Logger.With().Str("provider", name).Logger()

	schedOpts := []ratelimit.Option{
		ratelimit.WithName(name),
		ratelimit.WithLogger(log),
		ratelimit.WithObserver(opts.Observer),
	}
	if opts.Clock != nil {
		schedOpts = append(schedOpts, ratelimit.WithClock(opts.Clock))
	}
	sched, err := ratelimit.New(limits, buffer, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("fiat: %s scheduler: %w", name, err)
	}

	return &Client{
		name:       name,
		provider:   p,
		http:       hc,
		sched:      sched,
		maxRetries: max(opts.MaxRetries, 0),
		log:        log,
		upstream:   opts.Upstream,
	}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) Scheduler() *ratelimit.Scheduler { return c.sched }

func (c *Client) Close() { c.sched.Close() }

// Rates fetches q from the provider. Requests rejected for rate limiting are
// queued again with high priority, up to MaxRetries times; other failures
// are returned as is.
func (c *Client) Rates(ctx context.Context, q Query) (Rates, error) {
	q = q.Normalized()
	if q.Empty() {
		return nil, ErrEmptyQuery
	}

	priority := ratelimit.Low
	for attempt := 0; ; attempt++ {
		rates, err := ratelimit.Do(ctx, c.sched, priority, func() (Rates, error) {
			return c.fetch(ctx, q)
		})
		if err == nil {
			return rates, nil
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= c.maxRetries || ctx.Err() != nil {
			return nil, err
		}
		c.log.Info().Int("attempt", attempt+1).Msg("rate limited, requeueing with high priority")
		priority = ratelimit.High
	}
}

// fetch runs inside an admitted scheduler task. Feedback is applied before it
// returns so the next admission decision already sees it.
func (c *Client) fetch(ctx context.Context, q Query) (Rates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := c.provider.NewRequest(ctx, q)
	if err != nil {
		return nil, err
	}
	status, header, body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	fb := c.provider.Feedback(status, header, body)
	c.apply(fb)
	if fb.Retry {
		return nil, fmt.Errorf("%w: %w", ErrRateLimited, &StatusError{Provider: c.name, Code: status})
	}
	if status != http.StatusOK {
		return nil, &StatusError{Provider: c.name, Code: status, Message: http.StatusText(status)}
	}
	return c.provider.ParseRates(q, body)
}

func (c *Client) do(req *http.Request) (int, http.Header, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(0)
		return 0, nil, nil, fmt.Errorf("fiat: %s request: %w", c.name, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	c.record(resp.StatusCode)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("fiat: %s read body: %w", c.name, err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (c *Client) record(code int) {
	if c.upstream != nil {
		c.upstream.Upstream(c.name, code)
	}
}

// apply hands provider feedback to the scheduler.
func (c *Client) apply(fb Feedback) {
	if fb.Limits != nil {
		limits := mergeLimits(c.sched.RateLimits(), *fb.Limits)
		if err := c.sched.SetRateLimits(limits); err != nil {
			c.log.Warn().Err(err).Msg("ignoring provider-reported limits")
		}
	}
	if fb.Usages != nil {
		if err := c.sched.SetUsages(*fb.Usages, fb.Mode); err != nil {
			c.log.Warn().Err(err).Msg("ignoring provider-reported usage")
		}
	}
	for _, p := range fb.Trigger {
		if err := c.sched.TriggerRateLimit(p); err != nil {
			c.log.Warn().Err(err).Msg("trigger rate limit")
		}
		c.log.Info().Stringer("period", p).Msg("provider reports limit reached")
	}
	if fb.RetryAfter > 0 {
		c.sched.Pause(fb.RetryAfter)
		c.log.Warn().Dur("retry_after", fb.RetryAfter).Msg("provider asked to back off")
	}
}

// mergeLimits overlays the periods a provider reported on current. Periods
// the provider left out keep their limit and the parallel limit is never
// taken from the provider.
func mergeLimits(current, reported ratelimit.Limits) ratelimit.Limits {
	out := current
	if reported.Second > 0 {
		out.Second = reported.Second
	}
	if reported.Minute > 0 {
		out.Minute = reported.Minute
	}
	if reported.Hour > 0 {
		out.Hour = reported.Hour
	}
	if reported.Day > 0 {
		out.Day = reported.Day
	}
	if reported.Month > 0 {
		out.Month = reported.Month
	}
	return out
}

// SyncUsage overwrites local usage counters with the provider's own view.
func (c *Client) SyncUsage(ctx context.Context) (ratelimit.Usages, error) {
	reporter, ok := c.provider.(UsageReporter)
	if !ok {
		return ratelimit.Usages{}, fmt.Errorf("%w: %s", ErrNoUsageStats, c.name)
	}
	req, err := reporter.NewUsageRequest(ctx)
	if err != nil {
		return ratelimit.Usages{}, err
	}
	status, _, body, err := c.do(req)
	if err != nil {
		return ratelimit.Usages{}, err
	}
	if status != http.StatusOK {
		return ratelimit.Usages{}, &StatusError{Provider: c.name, Code: status, Message: http.StatusText(status)}
	}
	update, limits, err := reporter.ParseUsage(body)
	if err != nil {
		return ratelimit.Usages{}, err
	}
	if limits != nil {
		c.apply(Feedback{Limits: limits})
	}
	if err := c.sched.SetUsages(update, ratelimit.Overwrite); err != nil {
		return ratelimit.Usages{}, err
	}
	usages := c.sched.Usages()
	c.log.Debug().Int("minute", usages.Minute).Int("day", usages.Day).Msg("usage synced")
	return usages, nil
}
