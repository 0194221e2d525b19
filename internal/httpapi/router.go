package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/manenim/todos-ratelimit/internal/obs"
)

type Deps struct {
	Logger      zerolog.Logger
	Metrics     *obs.Metrics
	Gatherer    prometheus.Gatherer
	MetricsPath string
	RateLimit   RateLimitOptions
	Todos       []Todo
}

// NewRouter wires the ops endpoints and the todos endpoint. Every route but
// /health and the metrics path is rate limited.
func NewRouter(d Deps) http.Handler {
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}
	skip := map[string]struct{}{
		"/health":     {},
		d.MetricsPath: {},
	}

	limits := d.RateLimit
	limits.Skip = skip

	r := chi.NewRouter()
	r.Use(obs.Logger(d.Logger))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware(skip))
	}
	r.Use(RateLimit(limits))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, d.MetricsPath, promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/todos/{id}", TodoHandler(d.Todos))

	return r
}
