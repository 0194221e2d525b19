package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/manenim/todos-ratelimit/pkg/limiter"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	LimiterEvents   *prometheus.CounterVec
	LimiterLatency  prometheus.Histogram
}

var _ limiter.MetricsRecorder = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "todos_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "todos_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		LimiterEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "todos_ratelimit_events_total",
				Help: "Rate limiter events: calls, denials, cache hits and store errors",
			},
			[]string{"event"},
		),
		LimiterLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "todos_ratelimit_check_seconds",
				Help:    "Rate limiter check latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.LimiterEvents, m.LimiterLatency)
	return m
}

// Add implements limiter.MetricsRecorder.
func (m *Metrics) Add(name string, value float64, _ map[string]string) {
	m.LimiterEvents.WithLabelValues(name).Add(value)
}

// Observe implements limiter.MetricsRecorder.
func (m *Metrics) Observe(name string, value float64, _ map[string]string) {
	if name == limiter.MetricLatency {
		m.LimiterLatency.Observe(value)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records per-request metrics, labelled by the chi route pattern.
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

			route := "unknown"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
