package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rektwatch/rektwatch/internal/alert"
	"github.com/rektwatch/rektwatch/internal/config"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/universe"
)

func runOIScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	reg := metrics.Default()

	ctx, cancel := context.WithTimeout(context.Background(), oiscanTimeout)
	defer cancel()

	cacheBackend, err := openCache(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer cacheBackend.Close()

	agg, _ := newMarket(cfg, cacheBackend, reg)

	bases := universe.Bases()
	fmt.Printf("Scanning %d bases (threshold ±%.2f%%)...\n", len(bases), cfg.OISurgeThreshold)

	surges := agg.ScanOISurges(ctx, bases, cfg.OISurgeThreshold)
	if len(surges) == 0 {
		fmt.Println("No surges; baselines refreshed.")
		return nil
	}

	for _, s := range surges {
		dir := "▲"
		if !s.Increased() {
			dir = "▼"
		}
		fmt.Printf("%s %-8s %+.2f%%  %s -> %s (price $%.4f)\n",
			dir, s.Symbol, s.PercentChange,
			alert.FormatValue(s.PreviousOI), alert.FormatValue(s.CurrentOI), s.Price)
	}
	return nil
}
