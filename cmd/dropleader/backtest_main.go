package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clog "github.com/sawpanic/dropleader/internal/log"
	"github.com/sawpanic/dropleader/internal/store"
)

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a backtest synchronously over a time span",
		RunE:  runBacktest,
	}
	cmd.Flags().String("start", "", "start time, RFC3339 (required)")
	cmd.Flags().String("end", "", "end time, RFC3339 (required)")
	cmd.Flags().String("symbols", "", "comma-separated symbol restriction (default: all active)")
	cmd.Flags().Int("limit", 50, "leaderboard truncation")
	cmd.Flags().Float64("min-volume", 10000, "minimum 24h quote volume for eligibility")
	cmd.Flags().String("quote-asset", "USDT", "quote asset filter")
	cmd.Flags().Int("min-history-days", 365, "minimum history depth for eligibility")
	cmd.Flags().Int("granularity-hours", 8, "period step in hours")
	return cmd
}

func runBacktest(cmd *cobra.Command, args []string) error {
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")
	if start == "" || end == "" {
		return fmt.Errorf("--start and --end are required")
	}
	startTime, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	endTime, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	symbolsCSV, _ := cmd.Flags().GetString("symbols")
	var symbols []string
	if symbolsCSV != "" {
		symbols = strings.Split(symbolsCSV, ",")
	}
	limit, _ := cmd.Flags().GetInt("limit")
	minVolume, _ := cmd.Flags().GetFloat64("min-volume")
	quoteAsset, _ := cmd.Flags().GetString("quote-asset")
	minHistoryDays, _ := cmd.Flags().GetInt("min-history-days")
	granularityHours, _ := cmd.Flags().GetInt("granularity-hours")

	params := store.BacktestParams{
		StartTime:          startTime,
		EndTime:            endTime,
		Symbols:            symbols,
		Limit:              limit,
		MinVolumeThreshold: minVolume,
		QuoteAsset:         quoteAsset,
		MinHistoryDays:     minHistoryDays,
		GranularityHours:   granularityHours,
	}

	d := wire(loadConfig())

	var periodCount int
	if granularityHours > 0 {
		periodCount = int(endTime.Sub(startTime) / (time.Duration(granularityHours) * time.Hour))
	}
	progress := clog.NewBacktestProgress(clog.ProgressConfig{Label: "backtest"}, periodCount)
	progress.Start()
	defer progress.Stop()

	ctx := context.Background()
	return d.engine.Run(ctx, params, func(t time.Time) { progress.Update(t) }, nil)
}
