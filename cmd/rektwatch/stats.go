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

func runStats(cmd *cobra.Command, args []string) error {
	base := universe.Base(args[0])

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	reg := metrics.Default()

	ctx, cancel := context.WithTimeout(context.Background(), oneOffTimeout)
	defer cancel()

	cacheBackend, err := openCache(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer cacheBackend.Close()

	agg, _ := newMarket(cfg, cacheBackend, reg)

	stats, err := agg.Stats(ctx, base)
	if err != nil {
		return fmt.Errorf("stats for %s: %w", base, err)
	}

	fmt.Printf("%s across %d venue(s)\n", stats.Symbol, len(stats.Exchanges))
	fmt.Printf("Avg price: $%.4f\n", stats.AvgPrice)
	fmt.Printf("Total OI:  %s\n", alert.FormatValue(stats.TotalOpenInterest))
	for _, ex := range stats.Exchanges {
		fmt.Printf("  %-8s $%-12.4f OI %-10s funding %.4f%%\n",
			ex.Name, ex.Price, alert.FormatValue(ex.OpenInterest), ex.FundingRate*100)
	}

	// Ratio comes from a single venue and is best-effort.
	if ratio, err := agg.LongShortRatio(ctx, base, "1h"); err == nil {
		fmt.Printf("Top traders: %.1f%% long / %.1f%% short (ratio %.2f)\n",
			ratio.LongPct, ratio.ShortPct, ratio.Ratio)
	}
	return nil
}
