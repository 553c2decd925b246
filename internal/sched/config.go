package sched

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Config controls which jobs run and how often. Every field has a
// working default so an empty file (or no file) yields the standard
// cadence.
type Config struct {
	Digests   DigestJob    `yaml:"digests"`
	Retention RetentionJob `yaml:"retention"`
	OIScan    OIScanJob    `yaml:"oi_scan"`
	WSRefresh RefreshJob   `yaml:"ws_refresh"`
}

// DigestJob configures the hourly report pass. The hour itself is
// fixed; only the toggle is tunable.
type DigestJob struct {
	Enabled *bool `yaml:"enabled"`
}

// RetentionJob configures the purge of old liquidations. The default
// 24 h tick is pinned to midnight UTC; any other cadence free-runs
// from startup.
type RetentionJob struct {
	Enabled   *bool `yaml:"enabled"`
	KeepHours int   `yaml:"keep_hours"`
	TickHours int   `yaml:"tick_hours"`
}

// OIScanJob configures the open-interest surge scan.
type OIScanJob struct {
	Enabled      *bool   `yaml:"enabled"`
	EveryMinutes int     `yaml:"every_minutes"`
	ThresholdPct float64 `yaml:"threshold_pct"`
}

// RefreshJob configures the periodic websocket teardown and re-dial.
type RefreshJob struct {
	Enabled    *bool `yaml:"enabled"`
	EveryHours int   `yaml:"every_hours"`
}

// Defaults returns the standard job cadence: hourly digests, 48h
// retention swept nightly, a 15 minute OI scan at 2.5%, and a daily
// stream refresh.
func Defaults() Config {
	return Config{
		Retention: RetentionJob{KeepHours: 48, TickHours: 24},
		OIScan:    OIScanJob{EveryMinutes: 15, ThresholdPct: 2.5},
		WSRefresh: RefreshJob{EveryHours: 24},
	}
}

// ApplyFile overlays the YAML jobs file onto cfg. Keys absent from the
// file keep their current values.
func ApplyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse jobs config: %w", err)
	}
	cfg.normalize()
	return nil
}

// normalize clamps zero or negative tuning values back to defaults.
func (c *Config) normalize() {
	def := Defaults()
	if c.Retention.KeepHours <= 0 {
		c.Retention.KeepHours = def.Retention.KeepHours
	}
	if c.Retention.TickHours <= 0 {
		c.Retention.TickHours = def.Retention.TickHours
	}
	if c.OIScan.EveryMinutes <= 0 {
		c.OIScan.EveryMinutes = def.OIScan.EveryMinutes
	}
	if c.OIScan.ThresholdPct <= 0 {
		c.OIScan.ThresholdPct = def.OIScan.ThresholdPct
	}
	if c.WSRefresh.EveryHours <= 0 {
		c.WSRefresh.EveryHours = def.WSRefresh.EveryHours
	}
}

// on treats an omitted toggle as enabled.
func on(b *bool) bool {
	return b == nil || *b
}
