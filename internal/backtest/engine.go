// Package backtest implements BacktestEngine (§4.8): the driver that
// enumerates period instants, resolves weekly symbol pools through
// FilterCache/EligibilityFilter, and runs WindowEngine, LeaderboardBuilder,
// RemovedCohortBuilder, and FundingRateEnricher for each instant, upserting
// a BacktestRow per period. Grounded on the source's window-stepping sweep
// driver, generalized from a fixed cached span to an arbitrary live range
// with checkpointing.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/board"
	"github.com/sawpanic/dropleader/internal/eligibility"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/filtercache"
	"github.com/sawpanic/dropleader/internal/funding"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/removed"
	"github.com/sawpanic/dropleader/internal/store"
	"github.com/sawpanic/dropleader/internal/symbol"
	"github.com/sawpanic/dropleader/internal/window"
)

// longRangeWarningSpan is the span beyond which Run logs a "long range"
// warning (§4.8 "Size guidance"); the engine itself imposes no upper bound.
const longRangeWarningSpan = 180 * 24 * time.Hour

// ProgressFunc is invoked after a period's weekly-pool resolution step,
// before the (potentially crash-prone) compute steps, so a restart can
// resume from the last-entered period (§4.8 step 5).
type ProgressFunc func(t time.Time)

// CancelledFunc reports whether the run has been asked to stop. Checked
// once per period boundary, never mid-batch (§5).
type CancelledFunc func() bool

// Engine orchestrates a backtest run end to end.
type Engine struct {
	feed    feed.MarketFeed
	store   *store.Store
	cache   *filtercache.Cache
	elig    *eligibility.Filter
	window  *window.Engine
	board   *board.Builder
	funding *funding.Enricher
	metrics *metrics.Collector
}

// New constructs an Engine.
func New(f feed.MarketFeed, st *store.Store, cache *filtercache.Cache, elig *eligibility.Filter, w *window.Engine, b *board.Builder, fe *funding.Enricher, m *metrics.Collector) *Engine {
	return &Engine{feed: f, store: st, cache: cache, elig: elig, window: w, board: b, funding: fe, metrics: m}
}

// Run drives a backtest over params (§4.8). onProgress and isCancelled may
// be nil for an ad-hoc (non-supervised) invocation.
func (e *Engine) Run(ctx context.Context, params store.BacktestParams, onProgress ProgressFunc, isCancelled CancelledFunc) error {
	if params.EndTime.Before(params.StartTime) {
		return fmt.Errorf("backtest: endTime %s before startTime %s", params.EndTime, params.StartTime)
	}
	if params.EndTime.Equal(params.StartTime) {
		return nil // S1: empty run, no writes, no failure
	}
	if params.EndTime.Sub(params.StartTime) > longRangeWarningSpan {
		log.Warn().Time("start", params.StartTime).Time("end", params.EndTime).Msg("long range backtest requested")
	}
	granularity := time.Duration(params.GranularityHours) * time.Hour
	if granularity <= 0 {
		granularity = 8 * time.Hour
	}

	universe, err := e.discoverUniverse(ctx, params)
	if err != nil {
		return fmt.Errorf("universe discovery: %w", err)
	}

	isPerp, err := e.resolvePerpetuals(ctx)
	if err != nil {
		return fmt.Errorf("resolve perpetual universe: %w", err)
	}

	mondays := weeklyMondays(params.StartTime, params.EndTime)
	pools := make(map[time.Time][]string, len(mondays))
	for _, monday := range mondays {
		symbols, err := e.resolveWeeklyPool(ctx, universe, monday, params)
		if err != nil {
			return fmt.Errorf("resolve weekly pool for %s: %w", monday, err)
		}
		pools[monday] = symbols
	}

	for t := params.StartTime; t.Before(params.EndTime); t = t.Add(granularity) {
		if isCancelled != nil && isCancelled() {
			log.Info().Time("at", t).Msg("backtest run cancelled cooperatively at period boundary")
			return nil
		}

		monday := mostRecentMonday(t)
		pool, ok := pools[monday]
		if !ok || len(pool) == 0 {
			log.Warn().Time("period", t).Time("week", monday).Msg("empty weekly pool, skipping period")
			continue
		}

		if onProgress != nil {
			onProgress(t)
		}

		if err := e.runPeriod(ctx, t, granularity, pool, isPerp, params, pools); err != nil {
			log.Error().Err(err).Time("period", t).Msg("period failed, continuing to next period")
			continue
		}
	}
	return nil
}

func (e *Engine) runPeriod(ctx context.Context, t time.Time, granularity time.Duration, pool []string, isPerp symbol.PerpetualLookup, params store.BacktestParams, pools map[time.Time][]string) error {
	start := time.Now()

	windows := e.window.Preload(ctx, pool, t, window.Config{
		BatchSize:      40,
		MaxConcurrency: 12,
		MaxRetries:     3,
		InterBatchWait: 500 * time.Millisecond,
	})

	result, err := e.board.Build(ctx, windows, t, isPerp, params.MinVolumeThreshold, params.Limit)
	if err != nil {
		return fmt.Errorf("build leaderboard: %w", err)
	}

	currentSymbols := make([]string, 0, len(result.Items))
	for _, it := range result.Items {
		currentSymbols = append(currentSymbols, it.Symbol)
	}

	prevT := t.Add(-granularity)
	prevSymbols, err := e.previousPeriodSymbols(ctx, prevT, isPerp, params, pools)
	if err != nil {
		log.Warn().Err(err).Time("prevPeriod", prevT).Msg("could not resolve previous period symbols, removed cohort will be empty")
	}
	removedSymbols := removed.Diff(prevSymbols, currentSymbols)

	removedItems := removed.BuildCohort(ctx, removedSymbols, e.feed, isPerp, e.metrics, t)

	e.funding.Enrich(ctx, result.Items, t, params.GranularityHours)
	e.funding.Enrich(ctx, removedItems, t, params.GranularityHours)

	duration := time.Since(start)
	if e.metrics != nil {
		e.metrics.PeriodDuration.Observe(duration.Seconds())
	}

	row := store.BacktestRow{
		Timestamp:              t,
		Hour:                   t.UTC().Hour(),
		Rankings:               result.Items,
		RemovedSymbols:         removedItems,
		TotalMarketVolume:      result.Stats.TotalVolume,
		TotalMarketQuoteVolume: result.Stats.TotalQuoteVolume,
		BTCPrice:               result.BTC.Price,
		BTCPriceChange24h:      result.BTC.Change24h,
		BTCDOMPrice:            floatPtrIfNonZero(result.BTCDOM.Price),
		BTCDOMPriceChange24h:   floatPtrIfNonZero(result.BTCDOM.Change24h),
		CalculationDuration:    duration,
		CreatedAt:              time.Now().UTC(),
	}
	if err := e.store.Backtests.Upsert(ctx, row); err != nil {
		return fmt.Errorf("upsert backtest row: %w", err)
	}
	return nil
}

// previousPeriodSymbols resolves prevT's leaderboard symbol set, reading a
// persisted row if one exists or recomputing on the fly with the weekly
// pool that applied at prevT (§4.6).
func (e *Engine) previousPeriodSymbols(ctx context.Context, prevT time.Time, isPerp symbol.PerpetualLookup, params store.BacktestParams, pools map[time.Time][]string) ([]string, error) {
	row, err := e.store.Backtests.GetByTimestamp(ctx, prevT)
	if err == nil && row != nil {
		out := make([]string, 0, len(row.Rankings))
		for _, it := range row.Rankings {
			out = append(out, it.Symbol)
		}
		return out, nil
	}

	prevMonday := mostRecentMonday(prevT)
	prevPool, ok := pools[prevMonday]
	if !ok {
		return nil, fmt.Errorf("no weekly pool resolved for previous period's week %s", prevMonday)
	}
	windows := e.window.Preload(ctx, prevPool, prevT, window.Config{MaxConcurrency: 12, MaxRetries: 3})
	result, err := e.board.Build(ctx, windows, prevT, isPerp, params.MinVolumeThreshold, params.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result.Items))
	for _, it := range result.Items {
		out = append(out, it.Symbol)
	}
	return out, nil
}

func (e *Engine) discoverUniverse(ctx context.Context, params store.BacktestParams) ([]symbol.Symbol, error) {
	symbols, err := e.feed.ExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	restrict := make(map[string]bool, len(params.Symbols))
	for _, s := range params.Symbols {
		restrict[s] = true
	}
	out := make([]symbol.Symbol, 0, len(symbols))
	for _, s := range symbols {
		if s.Status != "TRADING" || s.QuoteAsset != params.QuoteAsset {
			continue
		}
		if symbol.ContainsLeveragedToken(symbol.Symbol(s.Symbol)) {
			continue
		}
		if len(restrict) > 0 && !restrict[s.Symbol] {
			continue
		}
		out = append(out, symbol.Symbol(s.Symbol))
	}
	return out, nil
}

func (e *Engine) resolvePerpetuals(ctx context.Context) (symbol.PerpetualLookup, error) {
	symbols, err := e.feed.FuturesExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[symbol.Symbol]bool, len(symbols))
	for _, s := range symbols {
		if s.ContractType == "PERPETUAL" {
			set[symbol.Symbol(s.Symbol)] = true
		}
	}
	return func(s symbol.Symbol) bool { return set[s] }, nil
}

func (e *Engine) resolveWeeklyPool(ctx context.Context, universe []symbol.Symbol, monday time.Time, params store.BacktestParams) ([]string, error) {
	criteria := filtercache.Criteria{
		ReferenceDate:      monday.Format("2006-01-02"),
		QuoteAsset:         params.QuoteAsset,
		MinVolumeThreshold: params.MinVolumeThreshold,
		MinHistoryDays:     params.MinHistoryDays,
		RequireFutures:     true,
		ExcludeStablecoins: true,
		IncludeInactive:    false,
	}
	if res, found := e.cache.Get(ctx, criteria); found {
		return res.ValidSymbols, nil
	}

	start := time.Now()
	partition, err := e.elig.Evaluate(ctx, universe, eligibility.Criteria{
		ReferenceTime:      monday,
		MinHistoryDays:     params.MinHistoryDays,
		RequireFutures:     true,
		ExcludeStablecoins: true,
		Concurrency:        8,
		RequestDelay:       150 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	processingTime := time.Since(start)

	validStrs := make([]string, 0, len(partition.Valid))
	for _, s := range partition.Valid {
		validStrs = append(validStrs, string(s))
	}
	invalidStrs := make([]string, 0, len(partition.Invalid))
	reasons := make(map[string][]string, len(partition.Reasons))
	statistics := map[string]int{"valid": len(partition.Valid), "invalid": len(partition.Invalid)}
	for _, s := range partition.Invalid {
		invalidStrs = append(invalidStrs, string(s))
		reasons[string(s)] = partition.Reasons[s]
	}

	e.cache.Put(ctx, criteria, filtercache.Result{
		ValidSymbols:   validStrs,
		InvalidSymbols: invalidStrs,
		InvalidReasons: reasons,
		Statistics:     statistics,
	}, processingTime)

	return validStrs, nil
}

// weeklyMondays enumerates the Monday-00:00 UTC instants covering
// [startTime, endTime] (§4.8 step 1): the first is the last Monday <=
// startTime, stepping by 7 days, the last is the last Monday <= endTime.
func weeklyMondays(start, end time.Time) []time.Time {
	first := mostRecentMonday(start)
	last := mostRecentMonday(end)
	out := []time.Time{first}
	for cur := first.AddDate(0, 0, 7); !cur.After(last); cur = cur.AddDate(0, 0, 7) {
		out = append(out, cur)
	}
	return out
}

// mostRecentMonday walks t backward to the preceding (or same) Monday
// 00:00 UTC.
func mostRecentMonday(t time.Time) time.Time {
	t = t.UTC()
	day := t.Weekday()
	offset := int(day) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	d := t.AddDate(0, 0, -offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func floatPtrIfNonZero(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}
