// Package config loads runtime configuration. Values resolve in three
// layers: built-in defaults, an optional YAML file, then environment
// variables. Environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration for the pipeline.
type Config struct {
	// Required.
	DatabaseURL      string
	TelegramBotToken string
	FuturesWSURL     string

	// Broadcast channel. ChannelID 0 disables broadcasting.
	TelegramChannelID     int64
	ChannelMinLiquidation float64

	// Cache backend. Empty RedisHost selects the in-memory cache.
	RedisHost string
	RedisPort int

	// Ops HTTP server.
	ListenAddr string
	LogLevel   string

	// Cascade detector.
	CascadeWindow    time.Duration
	CascadeMinCount  int
	CascadeMinVolume float64

	// Open-interest surge monitor.
	OISurgeThreshold float64
	OIScanInterval   time.Duration

	// WebSocket ingest.
	WSShardSize        int
	WSRefresh          time.Duration
	WSPing             time.Duration
	WSReconnectBackoff time.Duration

	// Retention.
	Retention     time.Duration
	RetentionTick time.Duration

	// Outbound HTTP discipline for venue clients.
	HTTPTimeout time.Duration

	// Postgres pool tuning. EnsureSchema applies the DDL at startup; turn
	// it off when the runtime role has no DDL rights.
	PGMaxOpenConns    int
	PGMaxIdleConns    int
	PGConnMaxLifetime time.Duration
	PGQueryTimeout    time.Duration
	EnsureSchema      bool

	// Scheduler jobs file (optional, yaml).
	SchedConfigFile string
}

// Defaults returns the built-in configuration. Tuning values mirror the
// operational knobs documented in the README.
func Defaults() Config {
	return Config{
		ChannelMinLiquidation: 250_000,
		RedisPort:             6379,
		ListenAddr:            ":8099",
		LogLevel:              "info",
		CascadeWindow:         10 * time.Second,
		CascadeMinCount:       3,
		CascadeMinVolume:      100_000,
		OISurgeThreshold:      2.5,
		OIScanInterval:        15 * time.Minute,
		WSShardSize:           50,
		WSRefresh:             24 * time.Hour,
		WSPing:                30 * time.Second,
		WSReconnectBackoff:    5 * time.Second,
		Retention:             48 * time.Hour,
		RetentionTick:         24 * time.Hour,
		HTTPTimeout:           10 * time.Second,
		PGMaxOpenConns:        10,
		PGMaxIdleConns:        5,
		PGConnMaxLifetime:     30 * time.Minute,
		PGQueryTimeout:        30 * time.Second,
		EnsureSchema:          true,
	}
}

// Load resolves configuration from defaults, the optional CONFIG_FILE
// overlay, and environment variables, then validates required keys.
func Load() (*Config, error) {
	cfg := Defaults()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.TelegramBotToken = envString("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	cfg.FuturesWSURL = envString("FUTURES_WS_URL", cfg.FuturesWSURL)

	cfg.TelegramChannelID = envInt64("TELEGRAM_CHANNEL_ID", cfg.TelegramChannelID)
	cfg.ChannelMinLiquidation = envFloat("CHANNEL_MIN_LIQUIDATION", cfg.ChannelMinLiquidation)

	cfg.RedisHost = envString("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = envInt("REDIS_PORT", cfg.RedisPort)

	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	cfg.CascadeWindow = envDuration("CASCADE_WINDOW", cfg.CascadeWindow)
	cfg.CascadeMinCount = envInt("CASCADE_MIN_COUNT", cfg.CascadeMinCount)
	cfg.CascadeMinVolume = envFloat("CASCADE_MIN_VOLUME", cfg.CascadeMinVolume)

	cfg.OISurgeThreshold = envFloat("OI_SURGE_THRESHOLD", cfg.OISurgeThreshold)
	cfg.OIScanInterval = envDuration("OI_SCAN_INTERVAL", cfg.OIScanInterval)

	cfg.WSShardSize = envInt("WS_SHARD_SIZE", cfg.WSShardSize)
	cfg.WSRefresh = envDuration("WS_REFRESH", cfg.WSRefresh)
	cfg.WSPing = envDuration("WS_PING", cfg.WSPing)
	cfg.WSReconnectBackoff = envDuration("WS_RECONNECT_BACKOFF", cfg.WSReconnectBackoff)

	cfg.Retention = envDuration("RETENTION", cfg.Retention)
	cfg.RetentionTick = envDuration("RETENTION_TICK", cfg.RetentionTick)

	cfg.HTTPTimeout = envDuration("HTTP_TIMEOUT", cfg.HTTPTimeout)

	cfg.PGMaxOpenConns = envInt("PG_MAX_OPEN_CONNS", cfg.PGMaxOpenConns)
	cfg.PGMaxIdleConns = envInt("PG_MAX_IDLE_CONNS", cfg.PGMaxIdleConns)
	cfg.PGConnMaxLifetime = envDuration("PG_CONN_MAX_LIFETIME", cfg.PGConnMaxLifetime)
	cfg.PGQueryTimeout = envDuration("PG_QUERY_TIMEOUT", cfg.PGQueryTimeout)
	cfg.EnsureSchema = envBool("ENSURE_SCHEMA", cfg.EnsureSchema)

	cfg.SchedConfigFile = envString("SCHED_CONFIG_FILE", cfg.SchedConfigFile)
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.FuturesWSURL == "" {
		missing = append(missing, "FUTURES_WS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.WSShardSize < 1 {
		return fmt.Errorf("WS_SHARD_SIZE must be >= 1, got %d", c.WSShardSize)
	}
	if c.CascadeMinCount < 1 {
		return fmt.Errorf("CASCADE_MIN_COUNT must be >= 1, got %d", c.CascadeMinCount)
	}
	if c.ChannelMinLiquidation < 0 {
		return fmt.Errorf("CHANNEL_MIN_LIQUIDATION must be >= 0, got %f", c.ChannelMinLiquidation)
	}
	if c.OIScanInterval <= 0 {
		return fmt.Errorf("OI_SCAN_INTERVAL must be positive, got %s", c.OIScanInterval)
	}
	return nil
}

// RedisAddr returns host:port for the Redis backend, or "" when Redis is
// not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// BroadcastEnabled reports whether a broadcast channel is configured.
func (c *Config) BroadcastEnabled() bool {
	return c.TelegramChannelID != 0
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
