package limiter

import (
	"context"
	"time"
)

// CounterStore is the shared, consistency-providing backend for window
// counters. IncrementAndGet must be atomic at the store, not merely locked
// inside one process, because many limiter instances share it.
type CounterStore interface {
	IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns ok=false when the key is absent or expired.
	Get(ctx context.Context, key string) (count int64, ok bool, err error)
}

// windowStore is implemented by stores that can increment the current window
// and read the previous one in a single round trip.
type windowStore interface {
	IncrementAndGetPrevious(ctx context.Context, current, previous string, ttl time.Duration) (cur, prev int64, err error)
}
