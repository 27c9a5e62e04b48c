package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/dropleader/internal/funding"
	"github.com/sawpanic/dropleader/internal/scheduler"
)

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the fixed-interval backtest scheduler daemon",
		RunE:  runScheduler,
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	d := wire(loadConfig())
	backfill := funding.NewBackfill(d.store.Backtests, d.funding)
	sched := scheduler.New(d.cfg.Scheduler, d.cfg.Backtest, d.store.Backtests, d.tasks, backfill, d.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("scheduler received shutdown signal")
		cancel()
	}()

	err := sched.Start(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
