// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the asgibridge gateway.
type Config struct {
	Redis   RedisConfig   `koanf:"redis"`
	Server  ServerConfig  `koanf:"server"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// RedisConfig holds the backing-store connection info and channel-layer
// tuning knobs.
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	Prefix       string        `koanf:"prefix"`
	PoolSize     int           `koanf:"pool_size"`
	MsgExpiry    time.Duration `koanf:"message_expiry"`
	BlpopTimeout time.Duration `koanf:"blpop_timeout"`

	// MaxChannelCapacity is the per-channel queue-length cap enforced by
	// Send before any store mutation, so a full channel rejects new
	// messages instead of growing without bound.
	MaxChannelCapacity int64 `koanf:"max_channel_capacity"`
}

// ServerConfig holds HTTP front-end settings.
type ServerConfig struct {
	Addr           string        `koanf:"addr"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	ChunkSize      int           `koanf:"chunk_size"`
	WorkerPoolSize int64         `koanf:"worker_pool_size"`
}

// MetricsConfig holds the Prometheus exporter settings. An empty Addr
// disables the metrics listener.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns a Config populated with this gateway's documented
// defaults, before any file or environment overrides are applied.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addr:               "127.0.0.1:6379",
			Prefix:             "asgi:",
			PoolSize:           15,
			MsgExpiry:          60 * time.Second,
			BlpopTimeout:       5 * time.Second,
			MaxChannelCapacity: 100,
		},
		Server: ServerConfig{
			Addr:           ":8000",
			ReadTimeout:    30 * time.Second,
			ChunkSize:      1024 * 1024,
			WorkerPoolSize: 4,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
		},
	}
}

// Load reads configuration from an optional YAML file on top of Default,
// layers environment variable overrides on top of that, and returns a
// fully populated Config. An empty path skips the file layer (env vars
// and defaults only).
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Any env var starting with ASGIBRIDGE_ can override a config value.
	// The callback transforms the env var name into a koanf key path:
	//   ASGIBRIDGE_REDIS_ADDR        -> redis.addr
	//   ASGIBRIDGE_SERVER_CHUNK_SIZE -> server.chunk_size
	if err := k.Load(env.Provider("ASGIBRIDGE_", ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, "ASGIBRIDGE_")),
			"_", ".", 1,
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Start from the defaults; koanf's Unmarshal (via mapstructure) only
	// touches fields present in the loaded file/env layers, so anything
	// not overridden keeps its default value.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be positive")
	}
	if c.Server.ChunkSize <= 0 {
		return fmt.Errorf("server.chunk_size must be positive")
	}
	if c.Server.WorkerPoolSize <= 0 {
		return fmt.Errorf("server.worker_pool_size must be positive")
	}
	if c.Redis.MaxChannelCapacity <= 0 {
		return fmt.Errorf("redis.max_channel_capacity must be positive")
	}
	return nil
}
