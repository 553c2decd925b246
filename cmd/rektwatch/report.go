package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rektwatch/rektwatch/internal/config"
	"github.com/rektwatch/rektwatch/internal/metrics"
	"github.com/rektwatch/rektwatch/internal/report"
	"github.com/rektwatch/rektwatch/internal/telegram"
)

func runReport(cmd *cobra.Command, args []string) error {
	chatID, _ := cmd.Flags().GetInt64("chat-id")
	hours, _ := cmd.Flags().GetInt("hours")
	live, _ := cmd.Flags().GetBool("live")
	send, _ := cmd.Flags().GetBool("send")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	reg := metrics.Default()

	ctx, cancel := context.WithTimeout(context.Background(), oneOffTimeout)
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

	agg, _ := newMarket(cfg, cacheBackend, reg)
	reporter := report.New(pg, agg, log.Logger)

	sub, err := pg.GetSubscriber(ctx, chatID)
	if err != nil {
		return fmt.Errorf("subscriber %d: %w", chatID, err)
	}
	if hours <= 0 {
		hours = sub.ReportIntervalHours
	}

	text, err := reporter.Generate(ctx, *sub, hours, !live)
	if err != nil {
		return err
	}
	if text == "" {
		text = report.NoLiquidations
	}

	if !send {
		fmt.Println(text)
		return nil
	}

	tg := telegram.New(cfg.TelegramBotToken, "", log.Logger, reg)
	if err := tg.Send(ctx, strconv.FormatInt(chatID, 10), text); err != nil {
		return err
	}
	fmt.Printf("Report sent to %d\n", chatID)
	return nil
}
