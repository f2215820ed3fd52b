package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	UpstreamTotal   *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec

	QueueDepth   *prometheus.GaugeVec
	Running      *prometheus.GaugeVec
	Admitted     *prometheus.CounterVec
	Deferred     *prometheus.CounterVec
	TaskFailures *prometheus.CounterVec
	Pauses       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiatrates_http_requests_total",
				Help: "Total HTTP requests served",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fiatrates_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		UpstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiatrates_upstream_requests_total",
				Help: "Requests sent to exchange-rate providers",
			},
			[]string{"provider", "code"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiatrates_rate_limited_total",
				Help: "Client requests rejected by the inbound rate limit",
			},
			[]string{"route"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fiatrates_scheduler_queue_depth",
				Help: "Tasks waiting for admission",
			},
			[]string{"scheduler"},
		),
		Running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fiatrates_scheduler_running",
				Help: "Tasks currently running",
			},
			[]string{"scheduler"},
		),
		Admitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiatrates_scheduler_admitted_total",
				Help: "Tasks admitted by the scheduler",
			},
			[]string{"scheduler"},
		),
		Deferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiatrates_scheduler_deferred_total",
				Help: "Admission passes that stopped with tasks still queued",
			},
			[]string{"scheduler", "reason"},
		),
		TaskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiatrates_scheduler_task_failures_total",
				Help: "Admitted tasks that returned an error",
			},
			[]string{"scheduler"},
		),
		Pauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiatrates_scheduler_pauses_total",
				Help: "Pause requests received by the scheduler",
			},
			[]string{"scheduler"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.UpstreamTotal, m.RateLimited,
		m.QueueDepth, m.Running, m.Admitted, m.Deferred, m.TaskFailures, m.Pauses,
	)
	return m
}

// Observer adapts m to the scheduler's event hooks.
func (m *Metrics) Observer() ratelimit.Observer {
	return schedulerMetrics{m}
}

type schedulerMetrics struct{ m *Metrics }

func (s schedulerMetrics) QueueDepth(name string, n int) {
	s.m.QueueDepth.WithLabelValues(name).Set(float64(n))
}

func (s schedulerMetrics) Running(name string, n int) {
	s.m.Running.WithLabelValues(name).Set(float64(n))
}

func (s schedulerMetrics) Admitted(name string) {
	s.m.Admitted.WithLabelValues(name).Inc()
}

func (s schedulerMetrics) Deferred(name string, reason ratelimit.DeferReason, _ time.Duration) {
	s.m.Deferred.WithLabelValues(name, string(reason)).Inc()
}

func (s schedulerMetrics) TaskFailed(name string) {
	s.m.TaskFailures.WithLabelValues(name).Inc()
}

func (s schedulerMetrics) Paused(name string, _ time.Duration) {
	s.m.Pauses.WithLabelValues(name).Inc()
}

// Upstream counts one provider response; code 0 means a transport error.
func (m *Metrics) Upstream(provider string, code int) {
	m.UpstreamTotal.WithLabelValues(provider, strconv.Itoa(code)).Inc()
}

// Limited counts one client request rejected by the inbound limiter.
func (m *Metrics) Limited(route string) {
	m.RateLimited.WithLabelValues(route).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// unmatchedRoute labels requests no ServeMux pattern matched, so unknown
// paths cannot grow the label set.
const unmatchedRoute = "unmatched"

// Middleware records per-request metrics labelled by the matched ServeMux
// pattern. It must wrap the mux without any request copy in between, since
// the mux records the pattern on the request it receives.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
