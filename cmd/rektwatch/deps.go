package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rektwatch/rektwatch/internal/cache"
	"github.com/rektwatch/rektwatch/internal/config"
	"github.com/rektwatch/rektwatch/internal/market"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/sched"
	"github.com/rektwatch/rektwatch/internal/store/postgres"
)

// oneOffTimeout bounds the CLI commands that make a handful of external
// calls. The oiscan walk of the whole universe gets its own budget.
const (
	oneOffTimeout = 60 * time.Second
	oiscanTimeout = 5 * time.Minute
)

func openStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	pg, err := postgres.Open(ctx, postgres.Config{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.PGMaxOpenConns,
		MaxIdleConns:    cfg.PGMaxIdleConns,
		ConnMaxLifetime: cfg.PGConnMaxLifetime,
		QueryTimeout:    cfg.PGQueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return pg, nil
}

// openCache picks Redis when configured, the in-process cache otherwise.
func openCache(ctx context.Context, cfg *config.Config, reg *metrics.Registry) (cache.Cache, error) {
	if addr := cfg.RedisAddr(); addr != "" {
		return cache.NewRedis(ctx, addr, reg)
	}
	log.Info().Msg("no redis configured, using in-process cache")
	return cache.NewMemory(0, reg), nil
}

// newMarket builds the venue clients and the aggregator over them. The
// Binance client is returned separately because it alone serves the
// exchange-info and long/short endpoints.
func newMarket(cfg *config.Config, c cache.Cache, reg *metrics.Registry) (*market.Aggregator, *market.BinanceClient) {
	binance := market.NewBinance("", cfg.HTTPTimeout, reg)
	bybit := market.NewBybit("", cfg.HTTPTimeout, reg)
	mexc := market.NewMEXC("", cfg.HTTPTimeout, c, reg)
	return market.NewAggregator(c, binance, bybit, mexc, log.Logger, reg), binance
}

// channelRecipient renders the broadcast channel id the way the Bot API
// expects, or "" when broadcast is disabled.
func channelRecipient(cfg *config.Config) string {
	if !cfg.BroadcastEnabled() {
		return ""
	}
	return strconv.FormatInt(cfg.TelegramChannelID, 10)
}

// jobConfig seeds the scheduler from the environment knobs, then lets
// the optional YAML file override per job.
func jobConfig(cfg *config.Config) (sched.Config, error) {
	jobs := sched.Defaults()
	jobs.Retention.KeepHours = int(cfg.Retention.Hours())
	jobs.Retention.TickHours = int(cfg.RetentionTick.Hours())
	jobs.OIScan.EveryMinutes = int(cfg.OIScanInterval.Minutes())
	jobs.OIScan.ThresholdPct = cfg.OISurgeThreshold
	jobs.WSRefresh.EveryHours = int(cfg.WSRefresh.Hours())
	if cfg.SchedConfigFile != "" {
		if err := sched.ApplyFile(&jobs, cfg.SchedConfigFile); err != nil {
			return sched.Config{}, fmt.Errorf("jobs config %s: %w", cfg.SchedConfigFile, err)
		}
	}
	return jobs, nil
}
