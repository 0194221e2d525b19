package limiter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed sliding_window.lua
var slidingWindowSource string

var slidingWindowScript = redis.NewScript(slidingWindowSource)

var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisStore is a CounterStore backed by Redis. Increments run inside Lua
// scripts so the counter and its expiry are set atomically, and the current
// and previous windows are fetched in one round trip.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore pings client and preloads the scripts.
func NewRedisStore(ctx context.Context, client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &StoreError{Op: "ping", Err: err}
	}
	if err := slidingWindowScript.Load(ctx, client).Err(); err != nil {
		return nil, &StoreError{Op: "script load", Err: err}
	}
	if err := incrScript.Load(ctx, client).Err(); err != nil {
		return nil, &StoreError{Op: "script load", Err: err}
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (r *RedisStore) IncrementAndGetPrevious(ctx context.Context, current, previous string, ttl time.Duration) (int64, int64, error) {
	// Run uses EVALSHA and falls back to EVAL when the script cache was
	// flushed, e.g. after a Redis restart.
	result, err := slidingWindowScript.Run(ctx, r.client, []string{current, previous}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, errors.New("invalid lua response format")
	}
	return toInt64(values[0]), toInt64(values[1]), nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func toInt64(val interface{}) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
