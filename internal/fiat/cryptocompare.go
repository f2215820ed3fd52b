package fiat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

const cryptoCompareURL = "https://min-api.cryptocompare.com"

type CryptoCompare struct {
	baseURL string
	apiKey  string
	now     func() time.Time
}

func NewCryptoCompare(baseURL, apiKey string) *CryptoCompare {
	if baseURL == "" {
		baseURL = cryptoCompareURL
	}
	return &CryptoCompare{baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey, now: time.Now}
}

func (c *CryptoCompare) Kind() string { return "cryptocompare" }

func (c *CryptoCompare) DefaultLimits() ratelimit.Limits {
	return ratelimit.Limits{Second: 20, Minute: 300, Hour: 3000, Day: 7500, Month: 50000, Parallel: 4}
}

func (c *CryptoCompare) DefaultSafetyBuffer() time.Duration { return 100 * time.Millisecond }

func (c *CryptoCompare) NewRequest(ctx context.Context, q Query) (*http.Request, error) {
	v := url.Values{}
	v.Set("fsyms", strings.ToUpper(strings.Join(q.Coins, ",")))
	v.Set("tsyms", strings.ToUpper(strings.Join(q.Vs, ",")))
	return c.get(ctx, "/data/pricemulti?"+v.Encode())
}

func (c *CryptoCompare) NewUsageRequest(ctx context.Context) (*http.Request, error) {
	return c.get(ctx, "/stats/rate/limit")
}

func (c *CryptoCompare) get(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Apikey "+c.apiKey)
	}
	return req, nil
}

// ccCounts is the per-period call count object used in rate limit payloads.
type ccCounts struct {
	Second int `json:"second"`
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
	Month  int `json:"month"`
}

func (c ccCounts) empty() bool { return c == ccCounts{} }

func (c ccCounts) update() *ratelimit.UsageUpdate {
	return &ratelimit.UsageUpdate{Periods: map[ratelimit.Period]int{
		ratelimit.Second: c.Second,
		ratelimit.Minute: c.Minute,
		ratelimit.Hour:   c.Hour,
		ratelimit.Day:    c.Day,
		ratelimit.Month:  c.Month,
	}}
}

func (c ccCounts) limits() *ratelimit.Limits {
	return &ratelimit.Limits{Second: c.Second, Minute: c.Minute, Hour: c.Hour, Day: c.Day, Month: c.Month}
}

type ccError struct {
	Response  string `json:"Response"`
	Message   string `json:"Message"`
	Cooldown  int    `json:"Cooldown"`
	RateLimit struct {
		CallsMade ccCounts `json:"calls_made"`
		MaxCalls  ccCounts `json:"max_calls"`
	} `json:"RateLimit"`
}

func decodeCCError(body []byte) (ccError, bool) {
	var e ccError
	if err := json.Unmarshal(body, &e); err != nil || e.Response != "Error" {
		return ccError{}, false
	}
	return e, true
}

func (c *CryptoCompare) ParseRates(q Query, body []byte) (Rates, error) {
	if e, ok := decodeCCError(body); ok {
		return nil, &StatusError{Provider: c.Kind(), Code: http.StatusOK, Message: e.Message}
	}
	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("fiat: decode cryptocompare prices: %w", err)
	}
	rates := Rates{}
	for coin, prices := range payload {
		for vs, price := range prices {
			rates.set(coin, vs, price)
		}
	}
	return rates, nil
}

// Feedback reads the rate limit block CryptoCompare attaches to error
// payloads. The reported counts may lag behind requests already in flight,
// so they only ever raise local usage.
func (c *CryptoCompare) Feedback(status int, header http.Header, body []byte) Feedback {
	var fb Feedback
	if status == http.StatusTooManyRequests {
		fb.Retry = true
		fb.RetryAfter = retryAfter(header, c.now())
	}

	e, ok := decodeCCError(body)
	if !ok {
		return fb
	}
	if e.Cooldown > 0 {
		fb.RetryAfter = max(fb.RetryAfter, time.Duration(e.Cooldown)*time.Second)
		fb.Retry = true
	}
	made, maxCalls := e.RateLimit.CallsMade, e.RateLimit.MaxCalls
	if made.empty() && maxCalls.empty() {
		return fb
	}
	fb.Retry = true
	if !made.empty() {
		fb.Usages = made.update()
		fb.Mode = ratelimit.IncreaseOnly
	}
	if !maxCalls.empty() {
		fb.Limits = maxCalls.limits()
		calls := made.update().Periods
		for _, p := range ratelimit.Periods {
			if limit := fb.Limits.Period(p); limit > 0 && calls[p] >= limit {
				fb.Trigger = append(fb.Trigger, p)
			}
		}
	}
	return fb
}

type ccUsage struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		CallsMade ccCounts `json:"calls_made"`
		CallsLeft ccCounts `json:"calls_left"`
	} `json:"Data"`
}

// ParseUsage decodes /stats/rate/limit. Limits are calls made plus calls left.
func (c *CryptoCompare) ParseUsage(body []byte) (ratelimit.UsageUpdate, *ratelimit.Limits, error) {
	var u ccUsage
	if err := json.Unmarshal(body, &u); err != nil {
		return ratelimit.UsageUpdate{}, nil, fmt.Errorf("fiat: decode cryptocompare usage: %w", err)
	}
	if u.Response == "Error" {
		return ratelimit.UsageUpdate{}, nil, &StatusError{Provider: c.Kind(), Code: http.StatusOK, Message: u.Message}
	}
	made, left := u.Data.CallsMade, u.Data.CallsLeft
	if made.empty() && left.empty() {
		return ratelimit.UsageUpdate{}, nil, errors.New("fiat: cryptocompare usage payload has no data")
	}
	limits := ccCounts{
		Second: made.Second + left.Second,
		Minute: made.Minute + left.Minute,
		Hour:   made.Hour + left.Hour,
		Day:    made.Day + left.Day,
		Month:  made.Month + left.Month,
	}.limits()
	return *made.update(), limits, nil
}
