// Package server provides configuration for the huddle service: compiled-in
// defaults, an optional TOML file, and environment overrides, sanitized
// before use.
package server

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultQueueCapacity = 32

// RateLimitConfig defines the parameters for per-connection inbound frame
// rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the runtime settings of the service. Construct it through
// DefaultConfig or LoadConfig; a zero Config is usable only after Sanitize.
type Config struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	QueueCapacity  int
	RateLimit      RateLimitConfig
	DropEmptyRooms bool
}

// tomlConfig mirrors the structure of the optional config file.
type tomlConfig struct {
	Server struct {
		Addr           string   `toml:"addr"`
		AllowedOrigins []string `toml:"allowed_origins"`
	} `toml:"server"`
	Limits struct {
		MaxMessageSize         int64 `toml:"max_message_size"`
		QueueCapacity          int   `toml:"queue_capacity"`
		RateLimitBurst         int   `toml:"rate_limit_burst"`
		RateLimitRefillSeconds int   `toml:"rate_limit_refill_seconds"`
	} `toml:"limits"`
	Rooms struct {
		DropWhenEmpty bool `toml:"drop_when_empty"`
	} `toml:"rooms"`
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Addr: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		QueueCapacity:  defaultQueueCapacity,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		DropEmptyRooms: false,
	}
}

// LoadConfig builds the effective configuration: defaults, then the TOML file
// at path (skipped when path is empty), then environment overrides, then
// sanitization.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var fileCfg tomlConfig
		if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		applyFile(&cfg, fileCfg)
	}

	applyEnv(&cfg)
	return cfg.Sanitize(), nil
}

func applyFile(cfg *Config, file tomlConfig) {
	if file.Server.Addr != "" {
		cfg.Addr = file.Server.Addr
	}
	if len(file.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = file.Server.AllowedOrigins
	}
	if file.Limits.MaxMessageSize > 0 {
		cfg.MaxMessageSize = file.Limits.MaxMessageSize
	}
	if file.Limits.QueueCapacity > 0 {
		cfg.QueueCapacity = file.Limits.QueueCapacity
	}
	if file.Limits.RateLimitBurst > 0 {
		cfg.RateLimit.Burst = file.Limits.RateLimitBurst
	}
	if file.Limits.RateLimitRefillSeconds > 0 {
		cfg.RateLimit.RefillInterval = time.Duration(file.Limits.RateLimitRefillSeconds) * time.Second
	}
	cfg.DropEmptyRooms = file.Rooms.DropWhenEmpty
}

// applyEnv overlays environment variables onto cfg. Unparseable values are
// logged and ignored, keeping startup resilient to sloppy deployments.
func applyEnv(cfg *Config) {
	if addr := os.Getenv("HUDDLE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if origins := os.Getenv("HUDDLE_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitOrigins(origins)
	}
	if raw := os.Getenv("HUDDLE_MAX_MESSAGE_SIZE"); raw != "" {
		cfg.MaxMessageSize = parseInt64(raw, cfg.MaxMessageSize)
	}
	if raw := os.Getenv("HUDDLE_QUEUE_CAPACITY"); raw != "" {
		cfg.QueueCapacity = parseInt(raw, cfg.QueueCapacity)
	}
	if raw := os.Getenv("HUDDLE_RATE_LIMIT_BURST"); raw != "" {
		cfg.RateLimit.Burst = parseInt(raw, cfg.RateLimit.Burst)
	}
	if raw := os.Getenv("HUDDLE_RATE_LIMIT_REFILL_SECONDS"); raw != "" {
		if seconds := parseInt(raw, 0); seconds > 0 {
			cfg.RateLimit.RefillInterval = time.Duration(seconds) * time.Second
		}
	}
}

// Sanitize replaces out-of-range values with defaults and returns the result.
func (c Config) Sanitize() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	return c
}

func splitOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt64(raw string, fallback int64) int64 {
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil && value > 0 {
		return value
	}
	log.Printf("Ignoring invalid numeric value %q", raw)
	return fallback
}

func parseInt(raw string, fallback int) int {
	if value, err := strconv.Atoi(raw); err == nil && value > 0 {
		return value
	}
	log.Printf("Ignoring invalid numeric value %q", raw)
	return fallback
}
