package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rektwatch/rektwatch/internal/alert"
	"github.com/rektwatch/rektwatch/internal/cascade"
	"github.com/rektwatch/rektwatch/internal/config"
	"github.com/rektwatch/rektwatch/internal/ingest"
	"github.com/rektwatch/rektwatch/internal/market"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/ops"
	"github.com/rektwatch/rektwatch/internal/report"
	"github.com/rektwatch/rektwatch/internal/sched"
	"github.com/rektwatch/rektwatch/internal/store"
	"github.com/rektwatch/rektwatch/internal/telegram"
	"github.com/rektwatch/rektwatch/internal/universe"
)

// shutdownGrace bounds the ordered teardown after a signal.
const shutdownGrace = 5 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	reg := metrics.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()

	cacheBackend, err := openCache(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer cacheBackend.Close()

	tg := telegram.New(cfg.TelegramBotToken, "", log.Logger, reg)
	bot, err := tg.Me(ctx)
	if err != nil {
		return fmt.Errorf("telegram credentials: %w", err)
	}
	log.Info().Str("bot", bot).Bool("broadcast", cfg.BroadcastEnabled()).Msg("telegram ready")

	agg, binance := newMarket(cfg, cacheBackend, reg)

	router := alert.NewRouter(alert.Config{
		Directory:  pg,
		Notifier:   tg,
		Market:     agg,
		ChannelID:  channelRecipient(cfg),
		ChannelMin: cfg.ChannelMinLiquidation,
		OIInterval: cfg.OIScanInterval,
		Logger:     log.Logger,
		Metrics:    reg,
	})

	// Cascades drained at shutdown still need a live context to send.
	deliverCtx := context.WithoutCancel(ctx)

	detector := cascade.New(cascade.Config{
		Window:    cfg.CascadeWindow,
		MinCount:  cfg.CascadeMinCount,
		MinVolume: cfg.CascadeMinVolume,
		Emit:      func(a cascade.Alert) { router.Cascade(deliverCtx, a) },
		Logger:    log.Logger,
		Metrics:   reg,
	})

	reporter := report.New(pg, agg, log.Logger)

	manager, err := ingest.NewManager(ingest.Config{
		BaseURL:   cfg.FuturesWSURL,
		Symbols:   universe.Symbols(),
		ShardSize: cfg.WSShardSize,
		Ping:      cfg.WSPing,
		Backoff:   cfg.WSReconnectBackoff,
		Handler: func(ctx context.Context, ev store.Liquidation) {
			if err := pg.SaveLiquidation(ctx, ev); err != nil {
				reg.RecordPersistError()
				log.Error().Err(err).Str("symbol", ev.Symbol).Msg("persist failed")
			}
			detector.Add(ev)
			router.Liquidation(ctx, ev)
		},
		Logger:  log.Logger,
		Metrics: reg,
	})
	if err != nil {
		return err
	}

	jobs, err := jobConfig(cfg)
	if err != nil {
		return err
	}
	scheduler := sched.New(jobs, sched.Deps{
		Store:   pg,
		Reports: reporter,
		Alerts:  router,
		Market:  agg,
		Stream:  manager,
		Bases:   universe.Bases(),
		Logger:  log.Logger,
		Metrics: reg,
	})

	opsSrv := ops.NewServer(ops.Config{
		ListenAddr: cfg.ListenAddr,
		Version:    version,
		DB:         pg,
		Cache:      cacheBackend,
		Stream:     manager,
		Jobs:       scheduler,
		Metrics:    reg,
		Logger:     log.Logger,
	})

	detector.Start()
	if err := manager.Start(ctx); err != nil {
		return err
	}
	scheduler.Start(ctx)

	opsErr := make(chan error, 1)
	go func() {
		if err := opsSrv.Start(); err != nil {
			opsErr <- err
		}
	}()

	go validateUniverse(ctx, binance)

	log.Info().
		Str("version", version).
		Int("shards", manager.Shards()).
		Str("ops", cfg.ListenAddr).
		Msg("rektwatch serving")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-opsErr:
		log.Error().Err(err).Msg("ops server failed")
		runErr = err
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Stop()
		detector.Stop()
		scheduler.Stop()
		shutdownCtx, release := context.WithTimeout(context.Background(), shutdownGrace)
		defer release()
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("ops shutdown")
		}
	}()

	select {
	case <-done:
		log.Info().Msg("shutdown complete")
	case <-time.After(shutdownGrace):
		log.Warn().Msg("shutdown grace elapsed, exiting")
	}
	return runErr
}

// validateUniverse warns about tracked symbols the venue no longer lists
// in TRADING state. Stale entries keep their shard slot but never emit,
// so this is advisory only.
func validateUniverse(ctx context.Context, binance *market.BinanceClient) {
	active, err := binance.TradingSymbols(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("universe validation skipped")
		return
	}
	var stale []string
	for _, sym := range universe.Symbols() {
		if !active[sym] {
			stale = append(stale, sym)
		}
	}
	if len(stale) > 0 {
		log.Warn().Strs("symbols", stale).Msg("universe symbols not in TRADING state")
		return
	}
	log.Info().Int("symbols", len(universe.Symbols())).Msg("universe validated")
}
