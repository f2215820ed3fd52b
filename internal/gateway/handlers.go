package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/fiatrates/internal/auth"
	"github.com/AlexKimmel/fiatrates/internal/fiat"
	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

// maxAdminBody caps the JSON bodies accepted by admin endpoints.
const maxAdminBody = 4 << 10

// API serves exchange rates from the aggregated providers together with a
// view of every provider's scheduler.
type API struct {
	agg  *fiat.Aggregator
	opts Options
}

type Options struct {
	// Keys guard the admin routes, which are only mounted when Keys holds at
	// least one key. Known keys also identify callers of /rates.
	Keys    *auth.Store
	Version string

	// Limiter and Policy bound /rates per caller. A nil Limiter or a
	// disabled Policy serves /rates without an inbound limit.
	Limiter ratelimit.Limiter
	Policy  ratelimit.Policy
	// OnLimited is called with the route for each rejected request.
	OnLimited func(route string)
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewAPI(agg *fiat.Aggregator, opts Options) *API {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{agg: agg, opts: opts}
}

// Register mounts all routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": a.opts.Version})
	})
	mux.HandleFunc("GET /limits", a.limits)

	const ratesRoute = "GET /rates"
	var mws []Middleware
	if a.opts.Keys != nil && !a.opts.Keys.Empty() {
		mws = append(mws, a.opts.Keys.Identify)
	}
	mws = append(mws, RateLimit(a.opts.Limiter, a.opts.Policy, ratesRoute, a.opts.Now, a.opts.OnLimited))
	mux.Handle(ratesRoute, Chain(http.HandlerFunc(a.rates), mws...))

	if a.opts.Keys == nil || a.opts.Keys.Empty() {
		return
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return Chain(h, a.opts.Keys.Require, BodyLimit(maxAdminBody))
	}
	mux.Handle("POST /admin/providers/{name}/sync", admin(a.sync))
	mux.Handle("POST /admin/providers/{name}/pause", admin(a.pause))
	mux.Handle("POST /admin/providers/{name}/trigger", admin(a.trigger))
	mux.Handle("POST /admin/providers/{name}/usages", admin(a.setUsages))
	mux.Handle("POST /admin/providers/{name}/limits", admin(a.setLimits))
}

type ratesResponse struct {
	Rates  fiat.Rates `json:"rates"`
	Errors []string   `json:"errors,omitempty"`
}

func (a *API) rates(w http.ResponseWriter, r *http.Request) {
	q := fiat.Query{Coins: listParam(r, "coins"), Vs: listParam(r, "vs")}

	rates, err := a.agg.Rates(r.Context(), q)
	if rates == nil {
		writeRatesError(w, r, err)
		return
	}
	resp := ratesResponse{Rates: rates}
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("partial rates")
		resp.Errors = splitJoined(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeRatesError(w http.ResponseWriter, r *http.Request, err error) {
	var se *fiat.StatusError
	switch {
	case errors.Is(err, fiat.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "bad_request", "coins and vs query parameters are required")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "providers did not answer in time")
	case errors.Is(err, fiat.ErrRateLimited):
		writeError(w, http.StatusServiceUnavailable, "rate_limited", "all providers are rate limited")
	case errors.As(err, &se):
		hlog.FromRequest(r).Error().Err(err).Msg("upstream failed")
		writeError(w, http.StatusBadGateway, "upstream_error", se.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("rates failed")
		writeError(w, http.StatusBadGateway, "upstream_error", "no provider could answer")
	}
}

type providerState struct {
	Name        string           `json:"name"`
	Limits      ratelimit.Limits `json:"limits"`
	Usages      ratelimit.Usages `json:"usages"`
	PausedUntil *time.Time       `json:"paused_until,omitempty"`
}

func stateOf(c *fiat.Client) providerState {
	s := c.Scheduler()
	st := providerState{Name: c.Name(), Limits: s.RateLimits(), Usages: s.Usages()}
	if until := s.PausedUntil(); !until.IsZero() {
		st.PausedUntil = &until
	}
	return st
}

func (a *API) limits(w http.ResponseWriter, _ *http.Request) {
	out := make([]providerState, 0, len(a.agg.Clients()))
	for _, c := range a.agg.Clients() {
		out = append(out, stateOf(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (a *API) client(w http.ResponseWriter, r *http.Request) (*fiat.Client, bool) {
	c, ok := a.agg.Client(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_provider", "no provider named "+r.PathValue("name"))
	}
	return c, ok
}

func (a *API) sync(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	audit(r, c).Msg("usage sync requested")
	if _, err := c.SyncUsage(r.Context()); err != nil {
		if errors.Is(err, fiat.ErrNoUsageStats) {
			writeError(w, http.StatusConflict, "unsupported", "provider does not report usage")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("provider", c.Name()).Msg("usage sync failed")
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stateOf(c))
}

func (a *API) pause(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	d, err := time.ParseDuration(r.URL.Query().Get("for"))
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "for must be a positive duration such as 30s")
		return
	}
	c.Scheduler().Pause(d)
	audit(r, c).Dur("for", d).Msg("provider paused")
	writeJSON(w, http.StatusOK, stateOf(c))
}

func (a *API) trigger(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	p, err := ratelimit.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := c.Scheduler().TriggerRateLimit(p); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	audit(r, c).Stringer("period", p).Msg("rate limit triggered")
	writeJSON(w, http.StatusOK, stateOf(c))
}

// setUsages takes a JSON object of period name or "parallel" to count, e.g.
// {"minute": 12, "day": 400}, and applies it with the mode query parameter.
func (a *API) setUsages(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	mode, err := ratelimit.ParseUpdateMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var body map[string]int
	if !decodeBody(w, r, &body) {
		return
	}
	update := ratelimit.UsageUpdate{Periods: map[ratelimit.Period]int{}}
	for name, v := range body {
		if name == "parallel" {
			update.Parallel = &v
			continue
		}
		p, err := ratelimit.ParsePeriod(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		update.Periods[p] = v
	}
	if err := c.Scheduler().SetUsages(update, mode); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	audit(r, c).Stringer("mode", mode).Msg("usages set")
	writeJSON(w, http.StatusOK, stateOf(c))
}

func (a *API) setLimits(w http.ResponseWriter, r *http.Request) {
	c, ok := a.client(w, r)
	if !ok {
		return
	}
	var limits ratelimit.Limits
	if !decodeBody(w, r, &limits) {
		return
	}
	if err := c.Scheduler().SetRateLimits(limits); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limits", err.Error())
		return
	}
	audit(r, c).Stringer("limits", limits).Msg("rate limits set")
	writeJSON(w, http.StatusOK, stateOf(c))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// audit starts an info log line naming the provider and the admin key.
func audit(r *http.Request, c *fiat.Client) *zerolog.Event {
	id, _ := auth.KeyIDFrom(r.Context())
	return hlog.FromRequest(r).Info().Str("provider", c.Name()).Str("key_id", id)
}

// listParam accepts both ?coins=btc,eth and repeated ?coins=btc&coins=eth.
func listParam(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		out = append(out, strings.Split(v, ",")...)
	}
	return out
}

func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
