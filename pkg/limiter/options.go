package limiter

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a SlidingWindowLimiter.
type Option func(*SlidingWindowLimiter)

// WithPrefix sets the prefix of every counter key (default "limiter:").
func WithPrefix(prefix string) Option {
	return func(l *SlidingWindowLimiter) { l.prefix = prefix }
}

// WithTimeout bounds each Check's store round trip. Zero leaves the caller's
// context as the only deadline.
func WithTimeout(d time.Duration) Option {
	return func(l *SlidingWindowLimiter) { l.timeout = d }
}

func WithRecorder(r MetricsRecorder) Option {
	return func(l *SlidingWindowLimiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *SlidingWindowLimiter) { l.logger = logger }
}

// WithCache shares c between limiters. Without it each limiter gets its own
// cache of DefaultCacheSize entries; pass nil to disable short-circuiting.
func WithCache(c *EphemeralCache) Option {
	return func(l *SlidingWindowLimiter) {
		l.cache = c
		l.cacheSet = true
	}
}

func WithClock(c Clock) Option {
	return func(l *SlidingWindowLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithGuardInterval sets how long a denial is served from the local cache
// (default 1s). The entry never outlives the window's reset time. Zero stops
// denials from being cached.
func WithGuardInterval(d time.Duration) Option {
	return func(l *SlidingWindowLimiter) { l.guard = d }
}
