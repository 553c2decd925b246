package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rektwatch/rektwatch/internal/config"
	"github.com/rektwatch/rektwatch/internal/metrics"
)

func runFunding(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

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

	entries, err := agg.TopFunding(ctx, limit)
	if err != nil {
		return err
	}

	fmt.Printf("Top %d funding rates by magnitude\n", len(entries))
	now := time.Now().UTC()
	for i, e := range entries {
		line := fmt.Sprintf("%2d. %-10s %+.4f%%  mark $%.4f", i+1, e.Symbol, e.Rate*100, e.MarkPrice)
		if !e.NextFunding.IsZero() {
			line += fmt.Sprintf("  next in %s", e.NextFunding.Sub(now).Round(time.Minute))
		}
		fmt.Println(line)
	}
	return nil
}
