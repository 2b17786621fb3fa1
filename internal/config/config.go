// Package config loads service configuration from defaults, an optional
// config file, and SERVERFETCHER_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig is the full service configuration.
type AppConfig struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Throttle ThrottleConfig
	Cache    CacheConfig
	Refill   RefillConfig
	Persist  PersistConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type UpstreamConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
}

type ThrottleConfig struct {
	// MinSpacing is the minimum gap between upstream requests.
	MinSpacing time.Duration
	// Cooldown is how long all upstream calls pause after a 429.
	Cooldown time.Duration
}

type CacheConfig struct {
	// Expiry is the pool freshness window.
	Expiry time.Duration
	// MinSize triggers a background refill when a pool drops below it.
	MinSize int
	// TargetSize is the refill goal and pool truncation bound.
	TargetSize int
}

type RefillConfig struct {
	MaxAttempts int
	PageDelay   time.Duration
}

type PersistConfig struct {
	// Backend selects the snapshot store: file, redis, or none.
	Backend   string
	File      string
	RedisAddr string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration with precedence env > config file > defaults.
// A missing config file is fine; a malformed one is not.
func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix("SERVERFETCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 5000)

	// Upstream
	v.SetDefault("upstream.baseURL", "https://games.roblox.com/v1/games")
	v.SetDefault("upstream.requestTimeout", "10s")
	v.SetDefault("upstream.userAgent", "server-fetcher/1.0")

	// Throttle
	v.SetDefault("throttle.minSpacing", "5s")
	v.SetDefault("throttle.cooldown", "60s")

	// Cache
	v.SetDefault("cache.expiry", "45m")
	v.SetDefault("cache.minSize", 250)
	v.SetDefault("cache.targetSize", 500)

	// Refill
	v.SetDefault("refill.maxAttempts", 5)
	v.SetDefault("refill.pageDelay", "3s")

	// Persistence
	v.SetDefault("persist.backend", "file")
	v.SetDefault("persist.file", "server_cache.json")
	v.SetDefault("persist.redisAddr", "localhost:6379")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate rejects configurations the engine cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.baseURL is required")
	}
	if c.Throttle.MinSpacing < 0 {
		return fmt.Errorf("throttle.minSpacing must not be negative")
	}
	if c.Throttle.Cooldown <= 0 {
		return fmt.Errorf("throttle.cooldown must be positive")
	}
	if c.Cache.Expiry <= 0 {
		return fmt.Errorf("cache.expiry must be positive")
	}
	if c.Cache.MinSize < 0 || c.Cache.TargetSize <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if c.Cache.MinSize > c.Cache.TargetSize {
		return fmt.Errorf("cache.minSize %d exceeds cache.targetSize %d",
			c.Cache.MinSize, c.Cache.TargetSize)
	}
	if c.Refill.MaxAttempts < 1 {
		return fmt.Errorf("refill.maxAttempts must be at least 1")
	}
	if c.Refill.PageDelay < 0 {
		return fmt.Errorf("refill.pageDelay must not be negative")
	}
	switch c.Persist.Backend {
	case "file", "redis", "none":
	default:
		return fmt.Errorf("persist.backend %q must be file, redis, or none", c.Persist.Backend)
	}
	return nil
}
