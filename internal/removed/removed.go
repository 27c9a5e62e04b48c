// Package removed implements RemovedCohortBuilder (§4.6): set-difference
// against the previous period's symbol set, and per-symbol recompute of
// the dropped pairs' metrics at the current instant. Reuses board's
// per-pair item construction so a removed symbol gets exactly the same
// metric shape a still-ranked symbol would.
package removed

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/board"
	"github.com/sawpanic/dropleader/internal/candle"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/store"
	"github.com/sawpanic/dropleader/internal/symbol"
)

// Diff returns prevSymbols minus currentSymbols (§4.6 S_removed := S_prev
// \ S_current), as a set with no ordering guarantee.
func Diff(prevSymbols, currentSymbols []string) []string {
	current := make(map[string]bool, len(currentSymbols))
	for _, s := range currentSymbols {
		current[s] = true
	}
	out := make([]string, 0)
	for _, s := range prevSymbols {
		if !current[s] {
			out = append(out, s)
		}
	}
	return out
}

// BuildCohort materializes a LeaderboardItem for each symbol in removed,
// evaluated at the current instant t (§4.6). MarketShare is forced to 0.
// A symbol whose metrics cannot be computed (missing candles, feed error)
// is dropped from the output with a warning; it never fails the period.
func BuildCohort(ctx context.Context, removedSymbols []string, f feed.MarketFeed, isPerp symbol.PerpetualLookup, m *metrics.Collector, t time.Time) []store.LeaderboardItem {
	if len(removedSymbols) == 0 {
		return nil
	}

	items := make([]store.LeaderboardItem, 0, len(removedSymbols))
	for _, sym := range removedSymbols {
		candles, err := f.Klines(ctx, sym, t.Add(-24*time.Hour), t, 24)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("removed-cohort recompute failed, dropping symbol")
			continue
		}
		if len(candles) == 0 {
			log.Warn().Str("symbol", sym).Msg("removed-cohort symbol has no candles at current instant, dropping")
			continue
		}
		w := candle.NewWindow(sym, candles)
		item := board.ItemFromWindow(sym, w)
		item.MarketShare = 0
		items = append(items, item)
	}

	if err := board.AttachFuturesPrices(ctx, items, f, isPerp, m, t); err != nil {
		log.Warn().Err(err).Msg("futures price attachment failed for one or more removed-cohort rows")
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PriceChange24h < items[j].PriceChange24h
	})
	for i := range items {
		items[i].Rank = i + 1
	}
	return items
}
