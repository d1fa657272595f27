// Package config provides configuration loading using koanf.
// Precedence: HEARTLINE_-prefixed environment variables, then compiled
// defaults. A double underscore separates sections, so
// HEARTLINE_WS__LISTEN_ADDR sets ws.listen_addr.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/heartline/realtime/internal/domain"
)

// EnvPrefix is stripped from every environment variable read.
const EnvPrefix = "HEARTLINE_"

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Notification backends.
const (
	NotifyMemory = "memory"
	NotifyRedis  = "redis"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`
	// ServerName identifies this node in the session directory.
	ServerName string `koanf:"server_name"`

	Log       LogConfig       `koanf:"log"`
	WS        WSConfig        `koanf:"ws"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Registry  RegistryConfig  `koanf:"registry"`
	Store     StoreConfig     `koanf:"store"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Redis     RedisConfig     `koanf:"redis"`
	NATS      NATSConfig      `koanf:"nats"`
	Notify    NotifyConfig    `koanf:"notify"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	OTEL      OTELConfig      `koanf:"otel"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WSConfig holds WebSocket server settings.
type WSConfig struct {
	ListenAddr     string        `koanf:"listen_addr"`
	WorkerPoolSize int           `koanf:"worker_pool_size"`
	MaxConnections int           `koanf:"max_connections"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	OutboxSize     int           `koanf:"outbox_size"`
	// UserHeader carries the authenticated user id set by the upstream gateway.
	UserHeader string `koanf:"user_header"`
}

// HeartbeatConfig holds keepalive settings.
type HeartbeatConfig struct {
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RegistryConfig holds connection registry settings.
type RegistryConfig struct {
	Shards       int           `koanf:"shards"`
	ReapInterval time.Duration `koanf:"reap_interval"`
}

// StoreConfig selects the relationship store.
type StoreConfig struct {
	Driver  string        `koanf:"driver"` // memory | postgres
	Timeout time.Duration `koanf:"timeout"`
}

// PostgresConfig holds Postgres settings. Required when Store.Driver is postgres.
type PostgresConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings. An empty Addr disables the session
// directory and rate limiting.
type RedisConfig struct {
	Addr       string        `koanf:"addr"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	Timeout    time.Duration `koanf:"timeout"`
	SessionTTL time.Duration `koanf:"session_ttl"`
}

// NATSConfig holds NATS settings. An empty URL disables ingress.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Name          string        `koanf:"name"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	MaxReconnects int           `koanf:"max_reconnects"`
}

// NotifyConfig selects the notification counter backend.
type NotifyConfig struct {
	Backend string `koanf:"backend"` // memory | redis
	Shards  int    `koanf:"shards"`
}

// RateLimitConfig holds per-action limits.
type RateLimitConfig struct {
	Enabled       bool          `koanf:"enabled"`
	MessageLimit  int           `koanf:"message_limit"`
	MessageWindow time.Duration `koanf:"message_window"`
	LikeLimit     int           `koanf:"like_limit"`
	LikeWindow    time.Duration `koanf:"like_window"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		ServerName:  "ws-1",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		WS: WSConfig{
			ListenAddr:     ":8080",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			OutboxSize:     domain.OutboundBufferSize,
			UserHeader:     "X-User-ID",
		},
		Heartbeat: HeartbeatConfig{
			Interval: domain.HeartbeatInterval,
			Timeout:  domain.HeartbeatTimeout,
		},
		Registry: RegistryConfig{
			Shards:       domain.RegistryShards,
			ReapInterval: domain.ReapInterval,
		},
		Store: StoreConfig{
			Driver:  StoreMemory,
			Timeout: domain.StoreTimeout,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			Timeout:    domain.RedisTimeout,
			SessionTTL: 2 * domain.HeartbeatInterval,
		},
		NATS: NATSConfig{
			Name:          "heartline-realtime",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 60,
		},
		Notify: NotifyConfig{
			Backend: NotifyMemory,
			Shards:  domain.RegistryShards,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			MessageLimit:  20,
			MessageWindow: 10 * time.Second,
			LikeLimit:     30,
			LikeWindow:    time.Minute,
		},
		OTEL: OTELConfig{
			ServiceName: "heartline-realtime",
		},
	}
}

// Load reads the environment over compiled defaults and validates the result.
func Load() (*Config, error) {
	return load(env.Provider(EnvPrefix, ".", envKey))
}

func load(p koanf.Provider) (*Config, error) {
	k := koanf.New(".")
	cfg := defaults()

	if err := k.Load(p, nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps HEARTLINE_WS__LISTEN_ADDR to ws.listen_addr.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"ws.worker_pool_size": c.WS.WorkerPoolSize,
		"ws.max_connections":  c.WS.MaxConnections,
		"ws.outbox_size":      c.WS.OutboxSize,
		"registry.shards":     c.Registry.Shards,
		"notify.shards":       c.Notify.Shards,
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d: %w", key, v, domain.ErrInvalidInput)
		}
	}
	if c.Heartbeat.Interval <= 0 || c.Registry.ReapInterval <= 0 {
		return fmt.Errorf("config: heartbeat and reap intervals must be positive: %w", domain.ErrInvalidInput)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres.dsn", domain.ErrConfigRequired)
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q: %w", c.Store.Driver, domain.ErrInvalidInput)
	}

	switch c.Notify.Backend {
	case NotifyMemory:
	case NotifyRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr (notify.backend=redis)", domain.ErrConfigRequired)
		}
	default:
		return fmt.Errorf("config: unknown notify.backend %q: %w", c.Notify.Backend, domain.ErrInvalidInput)
	}

	if c.RateLimit.Enabled && (c.RateLimit.MessageLimit <= 0 || c.RateLimit.LikeLimit <= 0) {
		return fmt.Errorf("config: rate limits must be positive: %w", domain.ErrInvalidInput)
	}

	if c.IsProd() && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
	}
	return nil
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
