// Package funding implements FundingRateEnricher (§4.7): batched funding
// rate lookups split at the "observable now" threshold. Grounded on the
// source's funding-snapshot/cache shape, generalized from a cross-venue
// snapshot to this single-venue current/history split.
package funding

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/pool"
	"github.com/sawpanic/dropleader/internal/store"
)

const (
	batchSize       = 20
	batchConcurrency = 5
	interBatchWait  = 2 * time.Second
	maxRetries      = 2
)

// Enricher attaches funding-rate data to leaderboard rows (§4.7).
type Enricher struct {
	feed    feed.MarketFeed
	metrics *metrics.Collector
}

// New constructs an Enricher. m may be nil.
func New(f feed.MarketFeed, m *metrics.Collector) *Enricher {
	return &Enricher{feed: f, metrics: m}
}

// Enrich mutates items in place, attaching CurrentFundingRate and
// FundingRateHistory for every item carrying a FutureSymbol (§4.7). It
// never returns an error and never fails the row: a failed fetch simply
// leaves that row's funding fields unset.
func (e *Enricher) Enrich(ctx context.Context, items []store.LeaderboardItem, t time.Time, granularityHours int) {
	type target struct {
		futureSym string
		indices   []int
	}
	bySym := map[string]*target{}
	order := make([]string, 0)
	for i := range items {
		if items[i].FutureSymbol == nil {
			continue
		}
		fs := *items[i].FutureSymbol
		tg, ok := bySym[fs]
		if !ok {
			tg = &target{futureSym: fs}
			bySym[fs] = tg
			order = append(order, fs)
		}
		tg.indices = append(tg.indices, i)
	}
	if len(order) == 0 {
		return
	}

	windowEnd := t.Add(time.Duration(granularityHours)*time.Hour + 10*time.Minute)
	threshold := t.Add(10 * time.Minute)

	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		batch := order[start:end]

		p := pool.New[string, []feed.FundingObservation](pool.Options{
			InitialConcurrency: batchConcurrency,
			MaxConcurrency:     batchConcurrency,
			MinConcurrency:     1,
			Retry:              true,
			MaxRetries:         maxRetries,
			Name:               "funding",
		}, e.metrics)
		results, _ := p.Run(ctx, batch, func(ctx context.Context, futSym string) ([]feed.FundingObservation, error) {
			return e.feed.FundingRateHistory(ctx, futSym, t, windowEnd, 1000)
		})

		for _, r := range results {
			tg := bySym[r.Item]
			if r.Err != nil {
				log.Warn().Err(r.Err).Str("futureSymbol", r.Item).Msg("funding enrichment failed for symbol, row persisted without it")
				if e.metrics != nil {
					e.metrics.FundingEnrichFailure.Inc()
				}
				continue
			}
			current, history := split(r.Value, threshold)
			for _, idx := range tg.indices {
				if current != nil {
					items[idx].CurrentFundingRate = current
				}
				items[idx].FundingRateHistory = toStoreObservations(history)
			}
		}

		if end < len(order) {
			select {
			case <-time.After(interBatchWait):
			case <-ctx.Done():
				return
			}
		}
	}
}

// split partitions observations at threshold (§4.7): current is the
// scalar fundingRate of the latest observation at or before threshold
// (nil if none); history is every observation strictly after threshold.
func split(obs []feed.FundingObservation, threshold time.Time) (*float64, []feed.FundingObservation) {
	var current *float64
	var history []feed.FundingObservation
	var latestAtOrBefore time.Time
	found := false
	for _, o := range obs {
		if o.FundingTime.After(threshold) {
			history = append(history, o)
			continue
		}
		if !found || o.FundingTime.After(latestAtOrBefore) {
			rate := o.FundingRate
			current = &rate
			latestAtOrBefore = o.FundingTime
			found = true
		}
	}
	return current, history
}

func toStoreObservations(obs []feed.FundingObservation) []store.FundingObservation {
	out := make([]store.FundingObservation, 0, len(obs))
	for _, o := range obs {
		out = append(out, store.FundingObservation{
			FundingTime: o.FundingTime,
			FundingRate: o.FundingRate,
			MarkPrice:   o.MarkPrice,
		})
	}
	return out
}
