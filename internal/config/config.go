package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	// RequestTimeoutMS bounds how long /rates waits for providers, queueing included.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

// Provider configures one exchange-rate upstream and its scheduler.
type Provider struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"` // "coingecko" or "cryptocompare"
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	SafetyBufferMS int    `yaml:"safety_buffer_ms"`
	// MaxRetries defaults to 3 when absent; 0 disables retries.
	MaxRetries *int `yaml:"max_retries"`
	// Limits overrides the provider's built-in defaults when any field is set.
	Limits *ratelimit.Limits `yaml:"limits"`
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// Auth guards the admin endpoints. With no keys the admin endpoints are not
// served at all.
type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

// InboundPolicy is the per-client budget for /rates. Clients sending a known
// API key are counted by key, others by remote address.
type InboundPolicy struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Limits bounds the service's own API. A missing default gets 60 requests per
// minute with a burst of 10; zero values turn the limit off.
type Limits struct {
	Default *InboundPolicy `yaml:"default"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Providers     []Provider    `yaml:"providers"`
}

var ErrInvalid = errors.New("config: invalid")

const defaultMaxRetries = 3

func intPtr(v int) *int { return &v }

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 30 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) RequestTimeout() time.Duration {
	if s.RequestTimeoutMS == 0 {
		return 20 * time.Second
	}
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

func (p Provider) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// Retries returns MaxRetries, or the default when it was never set.
func (p Provider) Retries() int {
	if p.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *p.MaxRetries
}

func (p Provider) SafetyBuffer() time.Duration {
	return time.Duration(p.SafetyBufferMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Name == "" {
			p.Name = p.Kind
		}
		if p.TimeoutMS <= 0 {
			p.TimeoutMS = 10000
		}
		if p.MaxRetries == nil {
			p.MaxRetries = intPtr(defaultMaxRetries)
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Limits.Default == nil {
		cfg.Limits.Default = &InboundPolicy{RequestsPerMinute: 60, Burst: 10}
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []Provider{{Name: "coingecko", Kind: "coingecko", TimeoutMS: 10000, MaxRetries: intPtr(defaultMaxRetries)}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownKinds = map[string]struct{}{
	"coingecko":     {},
	"cryptocompare": {},
}

func (c *Root) Validate() error {
	if d := c.Limits.Default; d != nil && (d.RequestsPerMinute < 0 || d.Burst < 0) {
		return fmt.Errorf("%w: limits.default must not be negative", ErrInvalid)
	}
	for _, k := range c.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("%w: auth keys need both id and secret", ErrInvalid)
		}
	}
	seen := map[string]struct{}{}
	for _, p := range c.Providers {
		if _, ok := knownKinds[p.Kind]; !ok {
			return fmt.Errorf("%w: provider %q has unknown kind %q", ErrInvalid, p.Name, p.Kind)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: duplicate provider name %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.MaxRetries != nil && *p.MaxRetries < 0 {
			return fmt.Errorf("%w: provider %q has negative max_retries", ErrInvalid, p.Name)
		}
		if p.SafetyBufferMS < 0 {
			return fmt.Errorf("%w: provider %q has negative safety_buffer_ms", ErrInvalid, p.Name)
		}
		if p.Limits != nil {
			l := p.Limits
			if l.Second < 0 || l.Minute < 0 || l.Hour < 0 || l.Day < 0 || l.Month < 0 || l.Parallel < 0 {
				return fmt.Errorf("%w: provider %q has negative limits", ErrInvalid, p.Name)
			}
		}
	}
	return nil
}
