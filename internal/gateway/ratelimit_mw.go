package gateway

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/fiatrates/internal/auth"
	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

// RateLimit spends one token of the caller's bucket per request. Callers are
// keyed by API key id when auth put one in the context, otherwise by remote
// host. onLimited is called with route for every rejected request.
func RateLimit(
	lim ratelimit.Limiter,
	policy ratelimit.Policy,
	route string,
	now func() time.Time,
	onLimited func(route string),
) Middleware {
	return func(next http.Handler) http.Handler {
		if lim == nil || !policy.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			dec, err := lim.Allow(r.Context(), key, policy, now())
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("inbound rate limiter failed")
				writeError(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(dec.Remaining, 0)))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetUnixSec, 10))

			if !dec.Allowed {
				if onLimited != nil {
					onLimited(route)
				}
				hlog.FromRequest(r).Info().Str("client", key).Msg("inbound rate limit hit")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if id, ok := auth.KeyIDFrom(r.Context()); ok && id != "" {
		return "key:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "anon:" + host
}
