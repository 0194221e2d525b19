package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// epoch is aligned to a 10s window boundary.
var epoch = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore records how often the underlying store is reached.
type countingStore struct {
	*MemoryStore
	increments atomic.Int64
	gets       atomic.Int64
}

func (s *countingStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.increments.Add(1)
	return s.MemoryStore.IncrementAndGet(ctx, key, ttl)
}

func (s *countingStore) Get(ctx context.Context, key string) (int64, bool, error) {
	s.gets.Add(1)
	return s.MemoryStore.Get(ctx, key)
}

type failingStore struct{ err error }

func (s failingStore) IncrementAndGet(context.Context, string, time.Duration) (int64, error) {
	return 0, s.err
}

func (s failingStore) Get(context.Context, string) (int64, bool, error) { return 0, false, s.err }

func newTestLimiter(t *testing.T, store CounterStore, clock Clock, opts ...Option) *SlidingWindowLimiter {
	t.Helper()
	opts = append([]Option{WithClock(clock)}, opts...)
	l, err := NewSlidingWindowLimiter(store, SlidingWindow(10, 10*time.Second), opts...)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return l
}

func TestSlidingWindowLimiter_AllowsUpToLimitThenDenies(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(t, NewMemoryStore(clock), clock)
	id := Identity("1.2.3.4")

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error at request %d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d was unexpectedly denied", i+1)
		}
		if want := int64(9 - i); res.Remaining != want {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, want, res.Remaining)
		}
		clock.Advance(500 * time.Millisecond)
	}

	res, err := l.Check(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("the 11th request should have been denied")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}
	if want := epoch.Add(10 * time.Second); !res.ResetAt.Equal(want) {
		t.Errorf("expected reset at %v, got %v", want, res.ResetAt)
	}
	if res.Limit != 10 {
		t.Errorf("expected limit 10, got %d", res.Limit)
	}
}

func TestSlidingWindowLimiter_InterpolatesAcrossBoundary(t *testing.T) {
	ctx := context.Background()
	id := Identity("1.2.3.4")

	t.Run("JustAfterBoundary", func(t *testing.T) {
		clock := newFakeClock(epoch.Add(9900 * time.Millisecond))
		l := newTestLimiter(t, NewMemoryStore(clock), clock)

		for i := 0; i < 10; i++ {
			if res, _ := l.Check(ctx, id); !res.Allowed {
				t.Fatalf("request %d was unexpectedly denied", i+1)
			}
		}

		clock.Set(epoch.Add(10100 * time.Millisecond))
		res, err := l.Check(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Allowed {
			t.Fatal("expected denial: approx = 10*0.99 + 1 > 10")
		}
		if want := epoch.Add(20 * time.Second); !res.ResetAt.Equal(want) {
			t.Errorf("expected reset at %v, got %v", want, res.ResetAt)
		}
	})

	t.Run("NearEndOfNextWindow", func(t *testing.T) {
		clock := newFakeClock(epoch.Add(9900 * time.Millisecond))
		l := newTestLimiter(t, NewMemoryStore(clock), clock)

		for i := 0; i < 10; i++ {
			if res, _ := l.Check(ctx, id); !res.Allowed {
				t.Fatalf("request %d was unexpectedly denied", i+1)
			}
		}

		clock.Set(epoch.Add(19900 * time.Millisecond))
		res, err := l.Check(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatal("expected the request to be allowed once the previous window has mostly slid out")
		}
		if res.Remaining != 8 {
			t.Errorf("expected remaining 8 (floor(10 - 1.1)), got %d", res.Remaining)
		}
	})
}

func TestSlidingWindowLimiter_ApproxEqualToLimitIsAllowed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(t, NewMemoryStore(clock), clock, WithCache(nil))
	id := Identity("1.2.3.4")

	// 30 requests land in the previous window; the surplus is denied but
	// still counted.
	for i := 0; i < 30; i++ {
		if _, err := l.Check(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	// 30*(1-0.7) + 1 is exactly 10, which float64 evaluates to
	// 10.000000000000002.
	clock.Set(epoch.Add(17 * time.Second))
	res, err := l.Check(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected approx == limit to be allowed")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}

	if res, _ := l.Check(ctx, id); res.Allowed {
		t.Fatal("expected the next request to exceed the limit")
	}
}

func TestWeigh(t *testing.T) {
	const w = 10 * time.Second
	tests := []struct {
		name          string
		prev, cur     int64
		elapsed       time.Duration
		wantAllowed   bool
		wantRemaining int64
	}{
		{"Empty", 0, 1, 0, true, 9},
		{"AtLimit", 0, 10, 5 * time.Second, true, 0},
		{"OverLimit", 0, 11, 5 * time.Second, false, 0},
		{"HalfPrevious", 10, 4, 5 * time.Second, true, 1},
		{"ExactBoundary", 30, 1, 7 * time.Second, true, 0},
		{"JustOver", 10, 1, 100 * time.Millisecond, false, 0},
		{"FractionFloored", 10, 1, 9900 * time.Millisecond, true, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, remaining := weigh(tt.prev, tt.cur, 10, tt.elapsed, w)
			if allowed != tt.wantAllowed || remaining != tt.wantRemaining {
				t.Errorf("weigh(%d, %d, %s) = (%v, %d), want (%v, %d)",
					tt.prev, tt.cur, tt.elapsed, allowed, remaining, tt.wantAllowed, tt.wantRemaining)
			}
		})
	}
}

func TestSlidingWindowLimiter_PreviousWindowExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch.Add(time.Second))
	l := newTestLimiter(t, NewMemoryStore(clock), clock)
	id := Identity("10.0.0.1")

	for i := 0; i < 10; i++ {
		_, _ = l.Check(ctx, id)
	}

	clock.Set(epoch.Add(25 * time.Second))
	res, err := l.Check(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 9 {
		t.Fatalf("expected a fresh budget two windows later, got %+v", res)
	}
}

func TestSlidingWindowLimiter_OneIncrementPerCheck(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch.Add(3 * time.Second))
	store := &countingStore{MemoryStore: NewMemoryStore(clock)}
	l := newTestLimiter(t, store, clock)
	id := Identity("192.168.1.1")

	if _, err := l.Check(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.increments.Load(); got != 1 {
		t.Fatalf("expected exactly 1 increment, got %d", got)
	}
	count, ok, err := store.MemoryStore.Get(ctx, l.key(id, windowIndex(clock.Now(), 10*time.Second)))
	if err != nil || !ok {
		t.Fatalf("expected current window counter to exist, ok=%v err=%v", ok, err)
	}
	if count != 1 {
		t.Fatalf("expected counter 1, got %d", count)
	}
}

func TestSlidingWindowLimiter_ConcurrentChecksNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch.Add(2 * time.Second))
	l := newTestLimiter(t, NewMemoryStore(clock), clock)
	id := Identity("203.0.113.10")

	const m = 64
	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
		denied  atomic.Int64
	)
	wg.Add(m)
	for i := 0; i < m; i++ {
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, id)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Errorf("expected exactly 10 allowed, got %d", got)
	}
	if got := denied.Load(); got != m-10 {
		t.Errorf("expected %d denied, got %d", m-10, got)
	}
}

func TestSlidingWindowLimiter_CacheShortCircuitsDenial(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch.Add(time.Second))
	store := &countingStore{MemoryStore: NewMemoryStore(clock)}
	l := newTestLimiter(t, store, clock, WithGuardInterval(2*time.Second))
	id := Identity("10.1.1.1")

	for i := 0; i < 11; i++ {
		_, _ = l.Check(ctx, id)
	}
	if got := store.increments.Load(); got != 11 {
		t.Fatalf("expected 11 increments before the cache is populated, got %d", got)
	}

	res, err := l.Check(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected cached denial")
	}
	if got := store.increments.Load(); got != 11 {
		t.Fatalf("expected the cached denial to skip the store, got %d increments", got)
	}
	if want := epoch.Add(10 * time.Second); !res.ResetAt.Equal(want) {
		t.Errorf("expected cached reset at %v, got %v", want, res.ResetAt)
	}

	clock.Advance(2 * time.Second)
	if _, err := l.Check(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.increments.Load(); got != 12 {
		t.Fatalf("expected the store to be consulted after the guard interval, got %d increments", got)
	}
}

func TestSlidingWindowLimiter_CacheEntryEndsAtReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch.Add(9500 * time.Millisecond))
	cache, err := NewEphemeralCache(16)
	if err != nil {
		t.Fatal(err)
	}
	l := newTestLimiter(t, NewMemoryStore(clock), clock, WithCache(cache), WithGuardInterval(time.Minute))
	id := Identity("10.2.2.2")

	for i := 0; i < 11; i++ {
		_, _ = l.Check(ctx, id)
	}

	e, ok := cache.Get(id, clock.Now())
	if !ok {
		t.Fatal("expected a cache entry after denial")
	}
	if want := epoch.Add(10 * time.Second); !e.ExpiresAt.Equal(want) {
		t.Fatalf("expected entry to expire at the window reset %v, got %v", want, e.ExpiresAt)
	}
}

func TestSlidingWindowLimiter_ZeroGuardCachesNothing(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	cache, err := NewEphemeralCache(8)
	if err != nil {
		t.Fatal(err)
	}
	store := &countingStore{MemoryStore: NewMemoryStore(clock)}
	l := newTestLimiter(t, store, clock, WithCache(cache), WithGuardInterval(0))

	for i := 0; i < 12; i++ {
		_, _ = l.Check(ctx, "10.2.2.2")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected no cached denials, got %d", cache.Len())
	}
	if got := store.increments.Load(); got != 12 {
		t.Fatalf("expected every check to reach the store, got %d increments", got)
	}
}

func TestSlidingWindowLimiter_WithoutCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	store := &countingStore{MemoryStore: NewMemoryStore(clock)}
	l := newTestLimiter(t, store, clock, WithCache(nil))

	for i := 0; i < 15; i++ {
		_, _ = l.Check(ctx, "k")
	}
	if got := store.increments.Load(); got != 15 {
		t.Fatalf("expected every check to reach the store, got %d", got)
	}
}

func TestSlidingWindowLimiter_AnonymousSharesOneBucket(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	l := newTestLimiter(t, NewMemoryStore(clock), clock)

	for i := 0; i < 5; i++ {
		_, _ = l.Check(ctx, ResolveIdentity(""))
	}
	for i := 0; i < 5; i++ {
		_, _ = l.Check(ctx, ResolveIdentity("   "))
	}

	res, _ := l.Check(ctx, "")
	if res.Allowed {
		t.Fatal("expected callers without identity to share the anonymous bucket")
	}

	res, _ = l.Check(ctx, "198.51.100.5")
	if !res.Allowed {
		t.Fatal("expected a known identity to have its own bucket")
	}
}

func TestSlidingWindowLimiter_StoreFailureIsNotADenial(t *testing.T) {
	cause := errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	l, err := NewSlidingWindowLimiter(failingStore{err: cause}, SlidingWindow(10, time.Second))
	if err != nil {
		t.Fatal(err)
	}

	res, err := l.Check(context.Background(), "10.0.0.1")
	if err == nil {
		t.Fatal("expected a store error")
	}
	if !IsStoreUnavailable(err) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected the cause to be preserved, got %v", err)
	}
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "increment" {
		t.Errorf("expected *StoreError for increment, got %#v", err)
	}
	if res != (Result{}) {
		t.Errorf("expected zero result on store failure, got %+v", res)
	}
}

func TestSlidingWindowLimiter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l, err := NewSlidingWindowLimiter(NewMemoryStore(nil), SlidingWindow(10, time.Second))
	if err != nil {
		t.Fatal(err)
	}

	_, err = l.Check(ctx, "10.0.0.1")
	if !errors.Is(err, context.Canceled) || !IsStoreUnavailable(err) {
		t.Fatalf("expected a cancelled store error, got %v", err)
	}
}

func TestNewSlidingWindowLimiter_Validates(t *testing.T) {
	store := NewMemoryStore(nil)

	cases := []struct {
		name   string
		store  CounterStore
		policy Policy
		want   error
	}{
		{"NilStore", nil, SlidingWindow(1, time.Second), ErrInvalidConfig},
		{"ZeroLimit", store, SlidingWindow(0, time.Second), ErrInvalidPolicy},
		{"ZeroWindow", store, SlidingWindow(1, 0), ErrInvalidPolicy},
		{"OtherAlgorithm", store, Policy{Limit: 1, Window: time.Second, Algorithm: "token-bucket"}, ErrInvalidPolicy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSlidingWindowLimiter(tc.store, tc.policy)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

// MockRecorder captures metrics in memory for assertion
type MockRecorder struct {
	mu       sync.Mutex
	Counters map[string]float64
	Timings  map[string][]float64
}

func NewMockRecorder() *MockRecorder {
	return &MockRecorder{
		Counters: make(map[string]float64),
		Timings:  make(map[string][]float64),
	}
}

func (m *MockRecorder) Add(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name] += value
}

func (m *MockRecorder) Observe(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], value)
}

func TestSlidingWindowLimiter_Metrics(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	mock := NewMockRecorder()
	l := newTestLimiter(t, NewMemoryStore(clock), clock, WithRecorder(mock))

	for i := 0; i < 12; i++ {
		_, _ = l.Check(ctx, "user_1")
	}

	if got := mock.Counters[MetricCall]; got != 12 {
		t.Errorf("expected %s to be 12, got %v", MetricCall, got)
	}
	if got := mock.Counters[MetricDenied]; got != 2 {
		t.Errorf("expected %s to be 2, got %v", MetricDenied, got)
	}
	if got := mock.Counters[MetricCacheHit]; got != 1 {
		t.Errorf("expected %s to be 1, got %v", MetricCacheHit, got)
	}
	if got := len(mock.Timings[MetricLatency]); got != 12 {
		t.Errorf("expected 12 latency observations, got %d", got)
	}
}

func TestWindowIndex(t *testing.T) {
	w := 10 * time.Second
	if got := windowIndex(epoch.Add(9999*time.Millisecond), w); got != 170_000_000 {
		t.Errorf("expected 170000000, got %d", got)
	}
	if got := windowIndex(epoch.Add(10*time.Second), w); got != 170_000_001 {
		t.Errorf("expected 170000001, got %d", got)
	}
	if got := windowIndex(time.Unix(-1, 0), w); got != -1 {
		t.Errorf("expected -1 before the epoch, got %d", got)
	}
}
