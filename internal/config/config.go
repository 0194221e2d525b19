// Package config loads the service configuration from an optional YAML file
// and the environment (including a .env file), in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Limiter struct {
	Requests       int64  `yaml:"requests"`
	WindowMS       int    `yaml:"window_ms"`
	GuardMS        *int   `yaml:"guard_ms"`
	CacheSize      int    `yaml:"cache_size"`
	Prefix         string `yaml:"prefix"`
	FailOpen       *bool  `yaml:"fail_open"`
	IdentityHeader string `yaml:"identity_header"`
	TrustForwarded bool   `yaml:"trust_forwarded"`
	UseRemoteAddr  bool   `yaml:"use_remote_addr"`
	StoreTimeoutMS int    `yaml:"store_timeout_ms"`
}

type Store struct {
	// URL is redis://... for Redis or memory:// for a process-local store.
	URL           string `yaml:"url"`
	Password      string `yaml:"password"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Limiter       Limiter       `yaml:"limiter"`
	Store         Store         `yaml:"store"`
}

func (s Server) ReadTimeout() time.Duration  { return msOr(s.ReadTimeoutMS, 5*time.Second) }
func (s Server) WriteTimeout() time.Duration { return msOr(s.WriteTimeoutMS, 10*time.Second) }
func (s Server) IdleTimeout() time.Duration  { return msOr(s.IdleTimeoutMS, 60*time.Second) }

func (l Limiter) Window() time.Duration       { return time.Duration(l.WindowMS) * time.Millisecond }
func (l Limiter) StoreTimeout() time.Duration { return time.Duration(l.StoreTimeoutMS) * time.Millisecond }

// Guard is how long a denial is served from the local cache; 0 disables the
// cache.
func (l Limiter) Guard() time.Duration {
	if l.GuardMS == nil {
		return time.Second
	}
	return time.Duration(*l.GuardMS) * time.Millisecond
}

// FailsOpen reports whether requests pass when the store is unavailable.
func (l Limiter) FailsOpen() bool { return l.FailOpen == nil || *l.FailOpen }

func (s Store) DialTimeout() time.Duration { return msOr(s.DialTimeoutMS, 5*time.Second) }

// Load reads path (a missing file is not an error), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Root, error) {
	_ = godotenv.Load()

	var cfg Root
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Root) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Limiter.Requests == 0 {
		cfg.Limiter.Requests = 10
	}
	if cfg.Limiter.WindowMS == 0 {
		cfg.Limiter.WindowMS = 10_000
	}
	if cfg.Limiter.GuardMS == nil {
		guard := 1_000
		cfg.Limiter.GuardMS = &guard
	}
	if cfg.Limiter.CacheSize == 0 {
		cfg.Limiter.CacheSize = 10_000
	}
	if cfg.Limiter.Prefix == "" {
		cfg.Limiter.Prefix = "todos:ratelimit:"
	}
	if cfg.Limiter.IdentityHeader == "" {
		cfg.Limiter.IdentityHeader = "CF-Connecting-IP"
	}
	if cfg.Limiter.StoreTimeoutMS == 0 {
		cfg.Limiter.StoreTimeoutMS = 500
	}
}

func applyEnv(cfg *Root) error {
	setString(&cfg.Server.Addr, "LISTEN_ADDR")
	setString(&cfg.Observability.LogLevel, "LOG_LEVEL")
	setString(&cfg.Store.URL, "REDIS_URL")
	setString(&cfg.Store.Password, "REDIS_PASSWORD")
	setString(&cfg.Limiter.IdentityHeader, "RATE_LIMIT_IDENTITY_HEADER")

	ints := []struct {
		key string
		dst *int
	}{
		{"RATE_LIMIT_WINDOW_MS", &cfg.Limiter.WindowMS},
		{"RATE_LIMIT_CACHE_SIZE", &cfg.Limiter.CacheSize},
		{"RATE_LIMIT_STORE_TIMEOUT_MS", &cfg.Limiter.StoreTimeoutMS},
	}
	for _, it := range ints {
		if v := getEnv(it.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, it.key, err)
			}
			*it.dst = n
		}
	}

	if v := getEnv("RATE_LIMIT_GUARD_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RATE_LIMIT_GUARD_MS: %v", ErrInvalid, err)
		}
		cfg.Limiter.GuardMS = &n
	}
	if v := getEnv("RATE_LIMIT_REQUESTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: RATE_LIMIT_REQUESTS: %v", ErrInvalid, err)
		}
		cfg.Limiter.Requests = n
	}
	if v := getEnv("RATE_LIMIT_FAIL_OPEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RATE_LIMIT_FAIL_OPEN: %v", ErrInvalid, err)
		}
		cfg.Limiter.FailOpen = &b
	}
	return nil
}

// Validate reports the first setting that cannot start the service.
func (c *Root) Validate() error {
	if strings.TrimSpace(c.Store.URL) == "" {
		return fmt.Errorf("%w: store url is required (REDIS_URL)", ErrInvalid)
	}
	if c.Limiter.Requests <= 0 {
		return fmt.Errorf("%w: limiter.requests must be > 0", ErrInvalid)
	}
	if c.Limiter.WindowMS <= 0 {
		return fmt.Errorf("%w: limiter.window_ms must be > 0", ErrInvalid)
	}
	if c.Limiter.GuardMS != nil && *c.Limiter.GuardMS < 0 {
		return fmt.Errorf("%w: limiter.guard_ms must be >= 0", ErrInvalid)
	}
	if c.Limiter.CacheSize <= 0 {
		return fmt.Errorf("%w: limiter.cache_size must be > 0", ErrInvalid)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := getEnv(key); v != "" {
		*dst = v
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
