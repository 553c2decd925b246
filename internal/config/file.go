package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for the YAML overlay. Pointer fields
// distinguish absent keys from zero values; durations are Go duration
// strings ("10s", "24h").
type fileConfig struct {
	DatabaseURL      *string `yaml:"database_url"`
	TelegramBotToken *string `yaml:"telegram_bot_token"`
	FuturesWSURL     *string `yaml:"futures_ws_url"`

	TelegramChannelID     *int64   `yaml:"telegram_channel_id"`
	ChannelMinLiquidation *float64 `yaml:"channel_min_liquidation"`

	RedisHost *string `yaml:"redis_host"`
	RedisPort *int    `yaml:"redis_port"`

	ListenAddr *string `yaml:"listen_addr"`
	LogLevel   *string `yaml:"log_level"`

	CascadeWindow    *string  `yaml:"cascade_window"`
	CascadeMinCount  *int     `yaml:"cascade_min_count"`
	CascadeMinVolume *float64 `yaml:"cascade_min_volume"`

	OISurgeThreshold *float64 `yaml:"oi_surge_threshold"`
	OIScanInterval   *string  `yaml:"oi_scan_interval"`

	WSShardSize        *int    `yaml:"ws_shard_size"`
	WSRefresh          *string `yaml:"ws_refresh"`
	WSPing             *string `yaml:"ws_ping"`
	WSReconnectBackoff *string `yaml:"ws_reconnect_backoff"`

	Retention     *string `yaml:"retention"`
	RetentionTick *string `yaml:"retention_tick"`

	HTTPTimeout *string `yaml:"http_timeout"`

	PGMaxOpenConns    *int    `yaml:"pg_max_open_conns"`
	PGMaxIdleConns    *int    `yaml:"pg_max_idle_conns"`
	PGConnMaxLifetime *string `yaml:"pg_conn_max_lifetime"`
	PGQueryTimeout    *string `yaml:"pg_query_timeout"`
	EnsureSchema      *bool   `yaml:"ensure_schema"`

	SchedConfigFile *string `yaml:"sched_config_file"`
}

// applyFile overlays the YAML file at path onto cfg. Only keys present in
// the file are touched.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.TelegramBotToken, fc.TelegramBotToken)
	setString(&cfg.FuturesWSURL, fc.FuturesWSURL)

	if fc.TelegramChannelID != nil {
		cfg.TelegramChannelID = *fc.TelegramChannelID
	}
	setFloat(&cfg.ChannelMinLiquidation, fc.ChannelMinLiquidation)

	setString(&cfg.RedisHost, fc.RedisHost)
	setInt(&cfg.RedisPort, fc.RedisPort)

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.LogLevel, fc.LogLevel)

	if err := setDuration(&cfg.CascadeWindow, fc.CascadeWindow); err != nil {
		return fmt.Errorf("cascade_window: %w", err)
	}
	setInt(&cfg.CascadeMinCount, fc.CascadeMinCount)
	setFloat(&cfg.CascadeMinVolume, fc.CascadeMinVolume)

	setFloat(&cfg.OISurgeThreshold, fc.OISurgeThreshold)
	if err := setDuration(&cfg.OIScanInterval, fc.OIScanInterval); err != nil {
		return fmt.Errorf("oi_scan_interval: %w", err)
	}

	setInt(&cfg.WSShardSize, fc.WSShardSize)
	if err := setDuration(&cfg.WSRefresh, fc.WSRefresh); err != nil {
		return fmt.Errorf("ws_refresh: %w", err)
	}
	if err := setDuration(&cfg.WSPing, fc.WSPing); err != nil {
		return fmt.Errorf("ws_ping: %w", err)
	}
	if err := setDuration(&cfg.WSReconnectBackoff, fc.WSReconnectBackoff); err != nil {
		return fmt.Errorf("ws_reconnect_backoff: %w", err)
	}

	if err := setDuration(&cfg.Retention, fc.Retention); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if err := setDuration(&cfg.RetentionTick, fc.RetentionTick); err != nil {
		return fmt.Errorf("retention_tick: %w", err)
	}

	if err := setDuration(&cfg.HTTPTimeout, fc.HTTPTimeout); err != nil {
		return fmt.Errorf("http_timeout: %w", err)
	}

	setInt(&cfg.PGMaxOpenConns, fc.PGMaxOpenConns)
	setInt(&cfg.PGMaxIdleConns, fc.PGMaxIdleConns)
	if err := setDuration(&cfg.PGConnMaxLifetime, fc.PGConnMaxLifetime); err != nil {
		return fmt.Errorf("pg_conn_max_lifetime: %w", err)
	}
	if err := setDuration(&cfg.PGQueryTimeout, fc.PGQueryTimeout); err != nil {
		return fmt.Errorf("pg_query_timeout: %w", err)
	}
	if fc.EnsureSchema != nil {
		cfg.EnsureSchema = *fc.EnsureSchema
	}

	setString(&cfg.SchedConfigFile, fc.SchedConfigFile)

	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
