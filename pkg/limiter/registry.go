package limiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectionConfig locates the shared counter store.
type ConnectionConfig struct {
	// URL is a redis:// or rediss:// URL.
	URL      string
	Password string
	// DialTimeout bounds connecting and the initial ping (default 5s).
	DialTimeout time.Duration
}

func (c ConnectionConfig) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: store url is required", ErrInvalidConfig)
	}
	return nil
}

// StoreFactory opens the store a Registry binds its limiter to. It is called
// at most once per Registry.
type StoreFactory func(ctx context.Context, cfg ConnectionConfig) (CounterStore, error)

// RedisStoreFactory connects to the Redis instance named by cfg.URL.
func RedisStoreFactory(ctx context.Context, cfg ConnectionConfig) (CounterStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	store, err := NewRedisStore(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

const defaultRetryInterval = time.Second

// Registry hands out one SlidingWindowLimiter per process. The first call to
// Limiter opens the store and builds the limiter; concurrent first calls wait
// for it and every later call returns the same instance.
//
// An invalid config or policy is final and returned to every caller. An
// unreachable store is not: the error (matching ErrStoreUnavailable) goes
// back to the caller and initialization is retried by a later call, at most
// once per retry interval.
type Registry struct {
	factory StoreFactory
	policy  Policy
	opts    []Option

	ready atomic.Pointer[SlidingWindowLimiter]

	mu            sync.Mutex
	store         CounterStore
	err           error
	lastErr       error
	failedAt      time.Time
	retryInterval time.Duration
}

// NewRegistry returns an uninitialized registry. A nil factory means
// RedisStoreFactory. opts are applied to the limiter it builds.
func NewRegistry(factory StoreFactory, policy Policy, opts ...Option) *Registry {
	if factory == nil {
		factory = RedisStoreFactory
	}
	return &Registry{
		factory:       factory,
		policy:        policy,
		opts:          opts,
		retryInterval: defaultRetryInterval,
	}
}

// SetRetryInterval sets how long a failed connection attempt is reported to
// callers before the store is dialed again (default 1s). Call it before the
// first Limiter.
func (r *Registry) SetRetryInterval(d time.Duration) {
	r.mu.Lock()
	r.retryInterval = d
	r.mu.Unlock()
}

// Limiter returns the process-wide limiter, building it from cfg on first use.
// cfg is ignored once the registry is initialized.
func (r *Registry) Limiter(ctx context.Context, cfg ConnectionConfig) (*SlidingWindowLimiter, error) {
	if l := r.ready.Load(); l != nil {
		return l, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l := r.ready.Load(); l != nil {
		return l, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.lastErr != nil && time.Since(r.failedAt) < r.retryInterval {
		return nil, r.lastErr
	}

	l, err := r.init(ctx, cfg)
	switch {
	case err == nil:
		r.lastErr = nil
		r.ready.Store(l)
		return l, nil
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidPolicy):
		r.err = err
	default:
		if !IsStoreUnavailable(err) {
			err = &StoreError{Op: "connect", Err: err}
		}
		r.lastErr, r.failedAt = err, time.Now()
	}
	return nil, err
}

func (r *Registry) init(ctx context.Context, cfg ConnectionConfig) (*SlidingWindowLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := r.policy.validate(); err != nil {
		return nil, err
	}

	// The first request's cancellation must not abort initialization that
	// every later request depends on.
	ctx = context.WithoutCancel(ctx)
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	store, err := r.factory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	l, err := NewSlidingWindowLimiter(store, r.policy, r.opts...)
	if err != nil {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	r.store = store
	return l, nil
}

// Close releases the store connection. Call it once at process exit; later
// calls to Limiter fail with ErrInvalidConfig.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ready.Store(nil)
	r.err = fmt.Errorf("%w: registry closed", ErrInvalidConfig)
	if c, ok := r.store.(io.Closer); ok {
		r.store = nil
		return c.Close()
	}
	return nil
}
