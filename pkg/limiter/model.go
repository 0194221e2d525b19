package limiter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Anonymous is the identity used when a caller has no observable address.
// All such callers share one bucket.
const Anonymous Identity = "anonymous"

// Algorithm names the counting strategy of a Policy.
type Algorithm string

const AlgorithmSlidingWindow Algorithm = "sliding-window"

// Identity is the key requests are counted under, typically a client address.
type Identity string

// ResolveIdentity trims raw and falls back to Anonymous when nothing is left.
func ResolveIdentity(raw string) Identity {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Anonymous
	}
	return Identity(raw)
}

// Policy is the immutable rate configuration of a limiter: at most Limit
// requests per Window.
type Policy struct {
	Limit     int64
	Window    time.Duration
	Algorithm Algorithm
}

// SlidingWindow returns a sliding-window policy of limit requests per window.
func SlidingWindow(limit int64, window time.Duration) Policy {
	return Policy{Limit: limit, Window: window, Algorithm: AlgorithmSlidingWindow}
}

func (p Policy) validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w: limit must be greater than 0", ErrInvalidPolicy)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be greater than 0", ErrInvalidPolicy)
	}
	if p.Algorithm != "" && p.Algorithm != AlgorithmSlidingWindow {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidPolicy, p.Algorithm)
	}
	return nil
}

// Result is the outcome of a single Check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter is the time left until ResetAt, or 0 when the request was allowed.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

type RateLimiter interface {
	Check(ctx context.Context, id Identity) (Result, error)
}
