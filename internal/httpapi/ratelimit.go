package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/manenim/todos-ratelimit/pkg/limiter"
)

// Provider yields the limiter serving a request.
type Provider func(ctx context.Context) (limiter.RateLimiter, error)

// FromRegistry resolves the process-wide limiter from reg, building it from
// cfg on the first request.
func FromRegistry(reg *limiter.Registry, cfg limiter.ConnectionConfig) Provider {
	return func(ctx context.Context) (limiter.RateLimiter, error) {
		l, err := reg.Limiter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Static always yields l.
func Static(l limiter.RateLimiter) Provider {
	return func(context.Context) (limiter.RateLimiter, error) { return l, nil }
}

type ctxKey int

const keyLimiter ctxKey = 0

// LimiterFrom returns the limiter attached by RateLimit.
func LimiterFrom(ctx context.Context) (limiter.RateLimiter, bool) {
	l, ok := ctx.Value(keyLimiter).(limiter.RateLimiter)
	return l, ok
}

type RateLimitOptions struct {
	Provider Provider
	KeyFn    KeyFunc
	// FailOpen lets requests through when the counter store is unavailable;
	// otherwise they are answered with 503.
	FailOpen bool
	Skip     map[string]struct{}
	Now      func() time.Time
}

func RateLimit(opts RateLimitOptions) func(http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc("CF-Connecting-IP", false, false)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := opts.Skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			log := hlog.FromRequest(r)
			id := opts.KeyFn(r)

			storeDown := func(err error) {
				if opts.FailOpen {
					log.Warn().Err(err).Str("identity", string(id)).Msg("rate limit check failed, allowing request")
					next.ServeHTTP(w, r)
					return
				}
				log.Error().Err(err).Str("identity", string(id)).Msg("rate limit check failed, rejecting request")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service unavailable"})
			}

			lim, err := opts.Provider(r.Context())
			if err != nil {
				if limiter.IsStoreUnavailable(err) {
					storeDown(err)
					return
				}
				log.Error().Err(err).Msg("rate limiter unavailable")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), keyLimiter, lim))

			res, err := lim.Check(r.Context(), id)
			if err != nil {
				storeDown(err)
				return
			}

			setRateLimitHeaders(w, res)

			if !res.Allowed {
				retry := res.RetryAfter(opts.Now())
				w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(retry.Seconds())), 10))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, res limiter.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
