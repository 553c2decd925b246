package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "rektwatch"
	version = "v1.3.0"
)

func main() {
	initLogging()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Liquidation and open-interest watcher for USDT perpetuals",
		Version: version,
		Long: `rektwatch ingests the forced-liquidation stream of USDT perpetual
futures, persists every event, detects liquidation cascades and
open-interest surges, and fans alerts out to Telegram subscribers.

'serve' runs the full pipeline; the remaining subcommands are one-off
operator tools that reuse the same configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline: ingest, detect, alert, schedule",
		RunE:  runServe,
	}

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render one subscriber's liquidation digest",
		Long:  "Builds the digest exactly as the hourly job would and prints it, or delivers it with --send.",
		RunE:  runReport,
	}
	reportCmd.Flags().Int64("chat-id", 0, "Subscriber chat id (required)")
	reportCmd.Flags().Int("hours", 0, "Window in hours; defaults to the subscriber's interval")
	reportCmd.Flags().Bool("live", false, "Cover the running hour instead of whole past windows")
	reportCmd.Flags().Bool("send", false, "Deliver via Telegram instead of printing")
	_ = reportCmd.MarkFlagRequired("chat-id")

	statsCmd := &cobra.Command{
		Use:   "stats SYMBOL",
		Short: "Show cross-venue open interest and funding for one symbol",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats,
	}

	fundingCmd := &cobra.Command{
		Use:   "funding",
		Short: "List the most extreme funding rates across USDT perpetuals",
		RunE:  runFunding,
	}
	fundingCmd.Flags().Int("limit", 10, "Number of entries to show")

	oiscanCmd := &cobra.Command{
		Use:   "oiscan",
		Short: "Run one open-interest surge scan over the tracked universe",
		Long:  "Compares every tracked base against its cached baseline and refreshes the snapshots, exactly as the scheduled scan does.",
		RunE:  runOIScan,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(fundingCmd)
	rootCmd.AddCommand(oiscanCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// initLogging configures the global logger before configuration is
// parsed so even load failures come out structured. Terminals get the
// console writer; everything else stays JSON for log shippers.
func initLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	applyLogLevel(os.Getenv("LOG_LEVEL"))
}

// applyLogLevel sets the global level. Unknown names are ignored so a
// typo degrades to the default rather than killing the process.
func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
