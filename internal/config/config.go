// Package config loads server configuration from an optional YAML file
// overlaid with DECIDEZ_* environment variables.
//
// Keys (YAML name / environment variable):
//   - database_url / DECIDEZ_DATABASE_URL: PostgreSQL connection string
//     (required).
//   - http_addr / DECIDEZ_HTTP_ADDR: HTTP listen address (default ":8080").
//   - grpc_addr / DECIDEZ_GRPC_ADDR: gRPC listen address (default ":9090").
//   - log_level, log_format: slog level and "json" or "text" (default
//     "info", "json").
//   - stream_poll_interval: polling interval for SSE and gRPC event streams
//     (default "1s").
//   - cache_resync_interval: safety-net decision cache refresh (default "1m").
//   - cache_sweep_interval: evaluation cache expiry sweep (default "30s").
//   - heap_limit_bytes, heap_check_interval: sweep the evaluation cache
//     early once the Go heap exceeds the limit (default 0, disabled; "5s").
//   - auth_rate_limit: failed authentication attempts per minute per client
//     (default 10).
//   - max_json_body_size: max HTTP JSON request body in bytes (default 1MB).
//   - redis_addr, redis_password, redis_db, redis_prefix: subject state
//     store; unset redis_addr disables it.
//   - rules_file: YAML or JSON decision document watched for changes.
//   - shutdown_timeout: graceful shutdown budget (default "10s").
//
// Durations are Go duration strings; every duration must be > 0.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are matched to
// configuration keys.
const EnvPrefix = "DECIDEZ_"

const (
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultLogLevel                  = "info"
	defaultLogFormat                 = "json"
	defaultStreamPollInterval        = time.Second
	defaultCacheResyncInterval       = time.Minute
	defaultCacheSweepInterval        = 30 * time.Second
	defaultHeapCheckInterval         = 5 * time.Second
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultRedisPrefix               = "decidez"
	defaultShutdownTimeout           = 10 * time.Second
)

// Config holds the runtime configuration for the decidez server.
type Config struct {
	DatabaseURL         string        `koanf:"database_url"`
	HTTPAddr            string        `koanf:"http_addr"`
	GRPCAddr            string        `koanf:"grpc_addr"`
	LogLevel            string        `koanf:"log_level"`
	LogFormat           string        `koanf:"log_format"`
	StreamPollInterval  time.Duration `koanf:"stream_poll_interval"`
	CacheResyncInterval time.Duration `koanf:"cache_resync_interval"`
	CacheSweepInterval  time.Duration `koanf:"cache_sweep_interval"`
	HeapLimitBytes      uint64        `koanf:"heap_limit_bytes"`
	HeapCheckInterval   time.Duration `koanf:"heap_check_interval"`
	AuthRateLimit       int           `koanf:"auth_rate_limit"`
	MaxJSONBodySize     int64         `koanf:"max_json_body_size"`
	RedisAddr           string        `koanf:"redis_addr"`
	RedisPassword       string        `koanf:"redis_password"`
	RedisDB             int           `koanf:"redis_db"`
	RedisPrefix         string        `koanf:"redis_prefix"`
	RulesFile           string        `koanf:"rules_file"`
	ShutdownTimeout     time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the configuration used when nothing overrides it. The
// database URL has no default.
func Default() Config {
	return Config{
		HTTPAddr:            defaultHTTPAddr,
		GRPCAddr:            defaultGRPCAddr,
		LogLevel:            defaultLogLevel,
		LogFormat:           defaultLogFormat,
		StreamPollInterval:  defaultStreamPollInterval,
		CacheResyncInterval: defaultCacheResyncInterval,
		CacheSweepInterval:  defaultCacheSweepInterval,
		HeapCheckInterval:   defaultHeapCheckInterval,
		AuthRateLimit:       defaultAuthRateLimit,
		MaxJSONBodySize:     defaultMaxJSONBodySize,
		RedisPrefix:         defaultRedisPrefix,
		ShutdownTimeout:     defaultShutdownTimeout,
	}
}

// Load reads path (skipped when empty or missing), overlays DECIDEZ_*
// environment variables and validates the result. Blank environment values
// are ignored.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("access config %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps DECIDEZ_HTTP_ADDR to http_addr. Blank values map to no key.
func envKey(name, value string) (string, any) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	return strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), value
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http_addr must not be empty")
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return errors.New("grpc_addr must not be empty")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"stream_poll_interval", c.StreamPollInterval},
		{"cache_resync_interval", c.CacheResyncInterval},
		{"cache_sweep_interval", c.CacheSweepInterval},
		{"heap_check_interval", c.HeapCheckInterval},
		{"shutdown_timeout", c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}

	if c.AuthRateLimit <= 0 {
		return errors.New("auth_rate_limit must be > 0")
	}
	if c.MaxJSONBodySize <= 0 {
		return errors.New("max_json_body_size must be a positive integer (bytes)")
	}
	if c.RedisDB < 0 {
		return errors.New("redis_db must be >= 0")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}

	return nil
}

// RedisEnabled reports whether a subject state store is configured.
func (c Config) RedisEnabled() bool { return strings.TrimSpace(c.RedisAddr) != "" }
