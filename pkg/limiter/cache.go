package limiter

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the capacity used when none is configured.
const DefaultCacheSize = 10_000

// CacheEntry records that an identity was denied. It only ever short-circuits
// a denial; it is never consulted to grant a request.
type CacheEntry struct {
	ResetAt   time.Time
	ExpiresAt time.Time
}

// EphemeralCache remembers recently denied identities in process memory,
// evicting the least recently used entry once full. It is safe for
// concurrent use.
type EphemeralCache struct {
	entries *lru.Cache[Identity, CacheEntry]
}

func NewEphemeralCache(size int) (*EphemeralCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: cache size must be greater than 0", ErrInvalidPolicy)
	}
	entries, err := lru.New[Identity, CacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &EphemeralCache{entries: entries}, nil
}

// Get returns the entry for id if it is still live at now. Stale entries are
// dropped.
func (c *EphemeralCache) Get(id Identity, now time.Time) (CacheEntry, bool) {
	e, ok := c.entries.Get(id)
	if !ok {
		return CacheEntry{}, false
	}
	if !now.Before(e.ExpiresAt) {
		c.entries.Remove(id)
		return CacheEntry{}, false
	}
	return e, true
}

func (c *EphemeralCache) Put(id Identity, e CacheEntry) {
	c.entries.Add(id, e)
}

func (c *EphemeralCache) Len() int { return c.entries.Len() }
