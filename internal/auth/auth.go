package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey int

const keyID ctxKey = 0

// Store is a static in-memory key store: secret -> keyID
type Store struct {
	header   string
	bySecret map[string]string
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> keyID
func NewStatic(header string, pairs map[string]string) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	return &Store{header: h, bySecret: pairs}
}

func (s *Store) Header() string { return s.header }

// Empty reports whether no key is configured.
func (s *Store) Empty() bool { return len(s.bySecret) == 0 }

func (s *Store) keyIDFor(secret string) (string, bool) {
	for known, id := range s.bySecret {
		if subtle.ConstantTimeCompare([]byte(known), []byte(secret)) == 1 {
			return id, true
		}
	}
	return "", false
}

func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyID).(string)
	return id, ok
}

// Require validates the API key before calling next and writes JSON errors on
// failure. The key id is added to the request context.
func (s *Store) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(r.Header.Get(s.header))
		if secret == "" {
			writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+s.header)
			return
		}
		s.serveWithKey(w, r, secret, next)
	})
}

// Identify is Require for routes open to anonymous clients: requests without
// a key pass through unchanged, a wrong key is still rejected.
func (s *Store) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(r.Header.Get(s.header))
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		s.serveWithKey(w, r, secret, next)
	})
}

func (s *Store) serveWithKey(w http.ResponseWriter, r *http.Request, secret string, next http.Handler) {
	id, ok := s.keyIDFor(secret)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
		return
	}
	next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
