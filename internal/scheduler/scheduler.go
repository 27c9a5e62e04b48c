// Package scheduler implements Scheduler (§4.10): fires at fixed
// wall-clock instants, derives the next backtest span from the last
// persisted row, and dispatches a single async task through TaskSupervisor
// iff no task is in the running state; pending tasks are not checked. Keeps the source's ticking Start/
// checkAndRunJobs loop shape, replacing its momentum-scan job types with
// the single incremental-backtest job this core runs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/config"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/store"
)

// Supervisor is the subset of tasks.Supervisor the scheduler drives.
type Supervisor interface {
	StartAsync(ctx context.Context, params store.BacktestParams) (string, error)
	ListInterrupted(ctx context.Context) ([]store.AsyncBacktestTask, error)
}

// FundingBackfill fills in previously-missing funding fields for
// historical rows now made observable by time advancing (§4.10 step 6).
type FundingBackfill interface {
	Backfill(ctx context.Context) error
}

// Scheduler fires at the configured wall-clock instants (§4.10).
type Scheduler struct {
	cfg        config.SchedulerConfig
	defaults   config.BacktestDefault
	backtests  store.BacktestRepo
	supervisor Supervisor
	backfill   FundingBackfill // optional
	metrics    *metrics.Collector
}

// New constructs a Scheduler. backfill may be nil to skip step 6.
func New(cfg config.SchedulerConfig, defaults config.BacktestDefault, backtests store.BacktestRepo, supervisor Supervisor, backfill FundingBackfill, m *metrics.Collector) *Scheduler {
	return &Scheduler{cfg: cfg, defaults: defaults, backtests: backtests, supervisor: supervisor, backfill: backfill, metrics: m}
}

// Start runs the scheduler loop until ctx is cancelled, waking once a
// minute to check whether a fire time has been crossed (mirrors the
// source's one-minute ticker).
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	log.Info().Ints("fireHours", s.cfg.FireHours).Int("fireMinute", s.cfg.FireMinute).Msg("scheduler started")
	lastFired := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if !s.isFireTime(now) {
				continue
			}
			fireKey := now.UTC().Truncate(time.Minute)
			if fireKey.Equal(lastFired) {
				continue
			}
			lastFired = fireKey
			s.fire(ctx, now)
		}
	}
}

// isFireTime reports whether now falls within the current minute of one
// of the configured fire hours (§4.10: 00:10, 08:10, 16:10 UTC by default).
func (s *Scheduler) isFireTime(now time.Time) bool {
	now = now.UTC()
	if now.Minute() != s.cfg.FireMinute {
		return false
	}
	for _, h := range s.cfg.FireHours {
		if now.Hour() == h {
			return true
		}
	}
	return false
}

// fire implements one scheduler fire (§4.10 steps 1-6).
func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	if s.backfill != nil {
		if err := s.backfill.Backfill(ctx); err != nil {
			log.Warn().Err(err).Msg("supplementary funding backfill failed")
		}
	}

	interrupted, err := s.supervisor.ListInterrupted(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not check for live tasks, skipping fire")
		return
	}
	if len(interrupted) > 0 {
		log.Info().Int("liveTasks", len(interrupted)).Msg("scheduler: skipped fire, task already running")
		s.skip("task_running")
		return
	}

	startTime, err := s.nextStartTime(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not resolve next start time, skipping fire")
		return
	}
	endTime := s.nextFireBoundary(now)

	if !startTime.Before(endTime) {
		log.Warn().Time("startTime", startTime).Time("endTime", endTime).Msg("scheduler: startTime >= endTime, skipping fire")
		s.skip("empty_span")
		return
	}

	params := store.BacktestParams{
		StartTime:          startTime,
		EndTime:            endTime,
		Limit:              30,
		MinVolumeThreshold: 400000,
		MinHistoryDays:     365,
		GranularityHours:   8,
		QuoteAsset:         "USDT",
	}
	taskID, err := s.supervisor.StartAsync(ctx, params)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: dispatch failed")
		return
	}
	if s.metrics != nil {
		s.metrics.SchedulerDispatches.Inc()
	}
	log.Info().Str("taskId", taskID).Time("startTime", startTime).Time("endTime", endTime).Msg("scheduler dispatched backtest task")
}

func (s *Scheduler) skip(reason string) {
	if s.metrics != nil {
		s.metrics.SchedulerSkips.WithLabelValues(reason).Inc()
	}
}

// nextStartTime derives startTime from the last persisted row, or the
// configured epoch if none exists (§4.10 step 2).
func (s *Scheduler) nextStartTime(ctx context.Context) (time.Time, error) {
	last, err := s.backtests.Latest(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch latest backtest row: %w", err)
	}
	if last == nil {
		return s.cfg.EpochStartTime(), nil
	}
	granularity := time.Duration(s.defaults.GranularityHours) * time.Hour
	if granularity <= 0 {
		granularity = 8 * time.Hour
	}
	return last.Timestamp.Add(granularity), nil
}

// nextFireBoundary returns the next configured fire hour boundary
// strictly after now (§4.10 step 3), on the hour (not offset by
// FireMinute — the boundary itself, e.g. 16:00 not 16:10).
func (s *Scheduler) nextFireBoundary(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for offset := 0; offset < 8; offset++ {
		base := day.AddDate(0, 0, offset)
		for _, h := range sortedHours(s.cfg.FireHours) {
			candidate := base.Add(time.Duration(h) * time.Hour)
			if candidate.After(now) {
				return candidate
			}
		}
	}
	return now.Add(8 * time.Hour)
}

func sortedHours(hours []int) []int {
	out := append([]int(nil), hours...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
