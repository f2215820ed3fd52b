package fiat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

const (
	coinGeckoURL        = "https://api.coingecko.com/api/v3"
	coinGeckoCooldown   = 60 * time.Second
	coinGeckoKeyHeader  = "x-cg-demo-api-key"
	coinGeckoLimitError = 429
)

// coinGeckoIDs maps ticker symbols to CoinGecko coin ids. Unknown symbols are
// sent as given.
var coinGeckoIDs = map[string]string{
	"btc":  "bitcoin",
	"eth":  "ethereum",
	"nim":  "nimiq-2",
	"usdc": "usd-coin",
	"usdt": "tether",
	"ltc":  "litecoin",
	"xrp":  "ripple",
}

type CoinGecko struct {
	baseURL string
	apiKey  string
	now     func() time.Time
}

func NewCoinGecko(baseURL, apiKey string) *CoinGecko {
	if baseURL == "" {
		baseURL = coinGeckoURL
	}
	return &CoinGecko{baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey, now: time.Now}
}

func (c *CoinGecko) Kind() string { return "coingecko" }

// DefaultLimits follows the public plan; a demo key raises the minute cap and
// adds a monthly one.
func (c *CoinGecko) DefaultLimits() ratelimit.Limits {
	if c.apiKey != "" {
		return ratelimit.Limits{Minute: 30, Month: 10000, Parallel: 4}
	}
	return ratelimit.Limits{Minute: 10, Parallel: 2}
}

func (c *CoinGecko) DefaultSafetyBuffer() time.Duration { return 500 * time.Millisecond }

func (c *CoinGecko) NewRequest(ctx context.Context, q Query) (*http.Request, error) {
	ids := make([]string, 0, len(q.Coins))
	for _, coin := range q.Coins {
		ids = append(ids, coinGeckoID(coin))
	}
	v := url.Values{}
	v.Set("ids", strings.Join(ids, ","))
	v.Set("vs_currencies", strings.Join(q.Vs, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(coinGeckoKeyHeader, c.apiKey)
	}
	return req, nil
}

func (c *CoinGecko) ParseRates(q Query, body []byte) (Rates, error) {
	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("fiat: decode coingecko prices: %w", err)
	}
	rates := Rates{}
	for _, coin := range q.Coins {
		prices, ok := payload[coinGeckoID(coin)]
		if !ok {
			continue
		}
		for vs, price := range prices {
			rates.set(coin, vs, price)
		}
	}
	return rates, nil
}

// Feedback handles HTTP 429 as well as the 200 responses carrying
// {"status":{"error_code":429}} that the public API sometimes sends.
func (c *CoinGecko) Feedback(status int, header http.Header, body []byte) Feedback {
	limited := status == http.StatusTooManyRequests
	if !limited && status == http.StatusOK && strings.Contains(string(body), `"error_code"`) {
		var payload struct {
			Status struct {
				ErrorCode int `json:"error_code"`
			} `json:"status"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Status.ErrorCode == coinGeckoLimitError {
			limited = true
		}
	}
	if !limited {
		return Feedback{}
	}

	wait := retryAfter(header, c.now())
	if wait <= 0 {
		wait = coinGeckoCooldown
	}
	return Feedback{
		RetryAfter: wait,
		Trigger:    []ratelimit.Period{ratelimit.Minute},
		Retry:      true,
	}
}

func coinGeckoID(symbol string) string {
	if id, ok := coinGeckoIDs[strings.ToLower(symbol)]; ok {
		return id
	}
	return strings.ToLower(symbol)
}
