package fiat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

// Query asks for the price of each coin in each vs currency. Coins are
// ticker symbols ("btc"), vs currencies ISO codes ("usd").
type Query struct {
	Coins []string
	Vs    []string
}

// Normalized lowercases, trims and de-duplicates both lists.
func (q Query) Normalized() Query {
	return Query{Coins: normalize(q.Coins), Vs: normalize(q.Vs)}
}

func (q Query) Empty() bool { return len(q.Coins) == 0 || len(q.Vs) == 0 }

func normalize(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Rates maps coin -> vs currency -> price, all keys lowercase.
type Rates map[string]map[string]float64

func (r Rates) set(coin, vs string, v float64) {
	coin, vs = strings.ToLower(coin), strings.ToLower(vs)
	m, ok := r[coin]
	if !ok {
		m = map[string]float64{}
		r[coin] = m
	}
	m[vs] = v
}

// Feedback is what a provider learned about its own rate limits from one
// response. The client applies it to the provider's scheduler.
type Feedback struct {
	// RetryAfter pauses the scheduler for at least this long.
	RetryAfter time.Duration
	// Trigger marks periods whose limit the upstream reports as reached.
	Trigger []ratelimit.Period
	Usages  *ratelimit.UsageUpdate
	Mode    ratelimit.UpdateMode
	// Limits updates the period limits it sets; zero periods and the parallel
	// limit keep their current value.
	Limits *ratelimit.Limits
	// Retry means the request was rejected for rate limiting and may be
	// sent again.
	Retry bool
}

// Provider builds requests for one exchange-rate API and interprets its
// responses.
type Provider interface {
	Kind() string
	DefaultLimits() ratelimit.Limits
	DefaultSafetyBuffer() time.Duration
	NewRequest(ctx context.Context, q Query) (*http.Request, error)
	ParseRates(q Query, body []byte) (Rates, error)
	Feedback(status int, header http.Header, body []byte) Feedback
}

// UsageReporter is implemented by providers exposing their current usage.
type UsageReporter interface {
	NewUsageRequest(ctx context.Context) (*http.Request, error)
	ParseUsage(body []byte) (ratelimit.UsageUpdate, *ratelimit.Limits, error)
}

var (
	ErrRateLimited  = errors.New("fiat: rate limited by provider")
	ErrUnknownKind  = errors.New("fiat: unknown provider kind")
	ErrNoUsageStats = errors.New("fiat: provider does not report usage")
	ErrEmptyQuery   = errors.New("fiat: query needs at least one coin and one vs currency")
)

// StatusError is a non-success answer from a provider.
type StatusError struct {
	Provider string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fiat: %s returned status %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("fiat: %s returned status %d: %s", e.Provider, e.Code, e.Message)
}

// NewProvider builds a provider of the given kind. An empty baseURL selects
// the public endpoint.
func NewProvider(kind, baseURL, apiKey string) (Provider, error) {
	switch strings.ToLower(kind) {
	case "coingecko":
		return NewCoinGecko(baseURL, apiKey), nil
	case "cryptocompare":
		return NewCryptoCompare(baseURL, apiKey), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
