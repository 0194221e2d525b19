package limiter

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultPrefix = "limiter:"
	defaultGuard  = time.Second
)

// SlidingWindowLimiter approximates a moving window by weighting the previous
// fixed window's count by the part of it still covered:
//
//	approx = previous*(1-elapsed/window) + current
//
// Counters live in a CounterStore shared by every instance; denials are
// remembered in a local EphemeralCache for a short guard interval.
type SlidingWindowLimiter struct {
	store    CounterStore
	policy   Policy
	prefix   string
	timeout  time.Duration
	guard    time.Duration
	clock    Clock
	cache    *EphemeralCache
	cacheSet bool
	recorder MetricsRecorder
	logger   zerolog.Logger

	storeWarn rate.Sometimes
}

var _ RateLimiter = (*SlidingWindowLimiter)(nil)

func NewSlidingWindowLimiter(store CounterStore, policy Policy, opts ...Option) (*SlidingWindowLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	policy.Algorithm = AlgorithmSlidingWindow

	l := &SlidingWindowLimiter{
		store:     store,
		policy:    policy,
		prefix:    defaultPrefix,
		guard:     defaultGuard,
		clock:     SystemClock{},
		recorder:  &NoOpMetricsRecorder{},
		logger:    zerolog.Nop(),
		storeWarn: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}

	if !l.cacheSet {
		c, err := NewEphemeralCache(DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		l.cache = c
	}
	return l, nil
}

func (l *SlidingWindowLimiter) Policy() Policy { return l.policy }

// Check counts one request for id and reports whether it fits the policy.
// A denial is a normal Result; the error is non-nil only when the store
// failed, in which case it matches ErrStoreUnavailable and the caller picks
// the fallback. An increment already sent is not rolled back if ctx ends.
func (l *SlidingWindowLimiter) Check(ctx context.Context, id Identity) (Result, error) {
	if id == "" {
		id = Anonymous
	}
	start := time.Now()
	defer func() {
		l.recorder.Observe(MetricLatency, time.Since(start).Seconds(), nil)
	}()
	l.recorder.Add(MetricCall, 1, nil)

	now := l.clock.Now()

	if l.cache != nil {
		if e, ok := l.cache.Get(id, now); ok {
			l.recorder.Add(MetricCacheHit, 1, nil)
			l.recorder.Add(MetricDenied, 1, nil)
			return Result{Allowed: false, Limit: l.policy.Limit, Remaining: 0, ResetAt: e.ResetAt}, nil
		}
	}

	window := l.policy.Window
	idx := windowIndex(now, window)
	windowStart := time.Unix(0, idx*int64(window))
	resetAt := windowStart.Add(window)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	cur, prev, err := l.counts(ctx, l.key(id, idx), l.key(id, idx-1), 2*window)
	if err != nil {
		l.recorder.Add(MetricStoreError, 1, nil)
		l.storeWarn.Do(func() {
			l.logger.Warn().Err(err).Str("identity", string(id)).Msg("rate limiter store unavailable")
		})
		return Result{}, err
	}

	allowed, remaining := weigh(prev, cur, l.policy.Limit, now.Sub(windowStart), window)
	res := Result{
		Allowed:   allowed,
		Limit:     l.policy.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}

	if !res.Allowed {
		l.recorder.Add(MetricDenied, 1, nil)
		if l.cache != nil && l.guard > 0 {
			expires := now.Add(l.guard)
			if resetAt.Before(expires) {
				expires = resetAt
			}
			l.cache.Put(id, CacheEntry{ResetAt: resetAt, ExpiresAt: expires})
		}
		l.logger.Debug().
			Str("identity", string(id)).
			Int64("current", cur).
			Int64("previous", prev).
			Time("reset_at", resetAt).
			Msg("rate limited")
	}
	return res, nil
}

// counts increments the current window and reads the previous one, in a
// single round trip when the store supports it.
func (l *SlidingWindowLimiter) counts(ctx context.Context, curKey, prevKey string, ttl time.Duration) (int64, int64, error) {
	if ws, ok := l.store.(windowStore); ok {
		cur, prev, err := ws.IncrementAndGetPrevious(ctx, curKey, prevKey, ttl)
		if err != nil {
			return 0, 0, &StoreError{Op: "increment", Key: curKey, Err: err}
		}
		return cur, prev, nil
	}

	cur, err := l.store.IncrementAndGet(ctx, curKey, ttl)
	if err != nil {
		return 0, 0, &StoreError{Op: "increment", Key: curKey, Err: err}
	}
	prev, _, err := l.store.Get(ctx, prevKey)
	if err != nil {
		return 0, 0, &StoreError{Op: "get", Key: prevKey, Err: err}
	}
	return cur, prev, nil
}

// key is prefix{id}:idx. The hash tag keeps both windows of an identity in
// one Redis Cluster slot, which the two-key script requires.
func (l *SlidingWindowLimiter) key(id Identity, idx int64) string {
	return l.prefix + "{" + string(id) + "}:" + strconv.FormatInt(idx, 10)
}

// weigh decides approx <= limit, where approx = prev*(1-elapsed/window) + cur,
// and returns floor(limit-approx) clamped at 0. Both sides are scaled by
// window and compared as integers so approx == limit is never lost to
// rounding.
func weigh(prev, cur, limit int64, elapsed, window time.Duration) (bool, int64) {
	w := big.NewInt(int64(window))

	used := new(big.Int).Mul(big.NewInt(prev), big.NewInt(int64(window-elapsed)))
	used.Add(used, new(big.Int).Mul(big.NewInt(cur), w))

	left := new(big.Int).Mul(big.NewInt(limit), w)
	left.Sub(left, used)
	if left.Sign() < 0 {
		return false, 0
	}
	return true, left.Quo(left, w).Int64()
}

// windowIndex is floor(now/window) on the Unix nanosecond axis.
func windowIndex(now time.Time, window time.Duration) int64 {
	ns, w := now.UnixNano(), int64(window)
	idx := ns / w
	if ns%w < 0 {
		idx--
	}
	return idx
}
