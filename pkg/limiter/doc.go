// Package limiter provides a distributed rate limiter based on the sliding
// window algorithm.
//
// The primary entry point is the RateLimiter interface:
//
//	res, err := limiter.Check(ctx, id)
//
// The returned Result reports whether the request is allowed, how many whole
// requests remain, and when the current window resets, so callers can set
// rate-limit headers (for example, Retry-After).
//
// # Overview
//
// This package implements a sliding window approximated from two fixed
// windows:
//
//   - Time is cut into fixed windows of Policy.Window, aligned to the Unix
//     epoch.
//   - Each Check increments the counter of the current window and reads the
//     counter of the previous one.
//   - The previous count is weighted by the share of the previous window still
//     inside the sliding span:
//
//     approx = previous*(1-elapsed/window) + current
//
//   - The request is allowed when approx <= Policy.Limit.
//
// Unlike a plain fixed window, a client cannot double its budget by bursting
// on both sides of a window boundary.
//
// # Core Types
//
// Policy defines the budget: Limit requests per Window. Identity defines
// "who" is being limited, typically the client address. Requests without an
// address are counted under Anonymous, one bucket shared by all of them.
//
// # Backends
//
// Counters live in a CounterStore:
//
//   - RedisStore: the production backend. A Lua script increments the current
//     counter, sets its expiry on creation and reads the previous counter, so
//     a Check costs exactly one round trip and concurrent increments from any
//     number of processes are never lost.
//
//   - MemoryStore: an in-process stand-in for tests and single-instance
//     deployments. It does not enforce a global limit across replicas.
//
// Keys have the form prefix{identity}:window. The braces are a Redis Cluster
// hash tag, so both counters a Check touches live in the same slot and
// RedisStore works with a *redis.ClusterClient as well as a *redis.Client.
//
// Counters expire through the store's TTL (twice the window); the limiter
// never deletes them.
//
// # Local cache
//
// A denial is remembered in an EphemeralCache until the earlier of the window
// reset and a short guard interval. While the entry is live, further checks
// for that identity are denied without contacting the store. The cache is a
// bounded LRU, never grants a request, and is safe for concurrent use.
//
// # Registry
//
// Registry builds exactly one limiter per process from a ConnectionConfig,
// even when many requests race to initialize it:
//
//	reg := limiter.NewRegistry(nil, limiter.SlidingWindow(10, 10*time.Second))
//	l, err := reg.Limiter(ctx, limiter.ConnectionConfig{URL: "redis://localhost:6379"})
//
// An invalid config or policy fails every later call too. An unreachable store
// only fails the calls made while it is down; initialization is retried once
// the retry interval has passed.
//
// # Context and Error Policy
//
// Check passes its context through to the store so callers can enforce
// deadlines and cancel work. If the request is aborted after the increment was
// issued, the increment stands: the limiter may over-count, never
// under-count.
//
// This package does not impose a "fail open" vs "fail closed" policy. A denial
// is a normal Result with a nil error. If the store is unavailable, Check
// returns an error matching ErrStoreUnavailable and the caller decides whether
// to deny traffic (protect the backend) or allow it (maximize availability).
//
// # Configuration
//
// SlidingWindowLimiter is configured using the Functional Options pattern:
//
//	l, _ := NewSlidingWindowLimiter(store, SlidingWindow(100, time.Minute),
//		WithPrefix("myapp:rate:"),
//		WithTimeout(50*time.Millisecond),
//		WithRecorder(myMetrics),
//	)
//
// Supported options:
//
//   - WithPrefix(string): Sets the key prefix (default "limiter:").
//   - WithTimeout(time.Duration): Bounds each store round trip.
//   - WithRecorder(MetricsRecorder): Injects a custom metrics backend.
//   - WithLogger(zerolog.Logger): Logs denials (debug) and store failures
//     (warn, throttled).
//   - WithCache(*EphemeralCache): Shares a cache; nil disables it.
//   - WithClock(Clock): Replaces the time source, mainly for tests.
//   - WithGuardInterval(time.Duration): How long a denial is cached.
package limiter
