package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process CounterStore.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. Use RedisStore when you
// need a single global limit across multiple instances.
type MemoryStore struct {
	mu       sync.Mutex
	clock    Clock
	counters map[string]*counter
}

// NewMemoryStore constructs an empty MemoryStore. Expiry is evaluated against
// clock, or the system clock when clock is nil.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryStore{
		clock:    clock,
		counters: make(map[string]*counter),
	}
}

// IncrementAndGet adds 1 to key and returns the new count. The TTL is only
// applied when the key is created, so a window's lifetime never extends.
func (m *MemoryStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(ttl)}
		m.counters[key] = c
	}
	c.count++
	return c.count, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return 0, false, nil
	}
	if !m.clock.Now().Before(c.expiresAt) {
		delete(m.counters, key)
		return 0, false, nil
	}
	return c.count, true, nil
}

// Len returns the number of live and not yet collected counters.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// Sweep drops expired counters. Get does this lazily per key; long-lived
// processes with many identities should call Sweep periodically.
func (m *MemoryStore) Sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, k)
		}
	}
}

// StartJanitor sweeps expired counters every interval until ctx is done.
func (m *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}
