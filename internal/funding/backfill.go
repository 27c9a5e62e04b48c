package funding

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/store"
)

// backfillLookback bounds how far back Backfill scans for rows still
// missing funding data; older rows are assumed already settled.
const backfillLookback = 14 * 24 * time.Hour

// Backfill implements the Scheduler's supplementary funding pass (§4.10
// step 6): historical rows persisted before their funding window was
// observable get their missing fundingRateHistory/currentFundingRate
// filled in now that time has advanced past it.
type Backfill struct {
	store    store.BacktestRepo
	enricher *Enricher
}

// NewBackfill constructs a Backfill.
func NewBackfill(s store.BacktestRepo, e *Enricher) *Backfill {
	return &Backfill{store: s, enricher: e}
}

// Backfill scans recent rows for items missing funding data and
// re-enriches them in place.
func (b *Backfill) Backfill(ctx context.Context) error {
	now := time.Now().UTC()
	rows, err := b.store.ListRange(ctx, store.TimeRange{From: now.Add(-backfillLookback), To: now})
	if err != nil {
		return err
	}

	for _, row := range rows {
		if !needsBackfill(row) {
			continue
		}
		b.enricher.Enrich(ctx, row.Rankings, row.Timestamp, defaultGranularityHours)
		b.enricher.Enrich(ctx, row.RemovedSymbols, row.Timestamp, defaultGranularityHours)
		if err := b.store.Upsert(ctx, row); err != nil {
			log.Warn().Err(err).Time("timestamp", row.Timestamp).Msg("funding backfill upsert failed")
		}
	}
	return nil
}

// defaultGranularityHours is used for backfill since BacktestRow does not
// persist the granularity it was computed with.
const defaultGranularityHours = 8

func needsBackfill(row store.BacktestRow) bool {
	for _, it := range row.Rankings {
		if it.FutureSymbol != nil && it.CurrentFundingRate == nil && len(it.FundingRateHistory) == 0 {
			return true
		}
	}
	return false
}
