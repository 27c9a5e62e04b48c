package funding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/dropleader/internal/candle"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/store"
)

type testFeed struct {
	history map[string][]feed.FundingObservation
	errs    map[string]error
}

func (f *testFeed) ExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) { return nil, nil }
func (f *testFeed) FuturesExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) {
	return nil, nil
}
func (f *testFeed) Klines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) FuturesKlines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) DailyKlines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) FundingRateHistory(ctx context.Context, sym string, start, end time.Time, limit int) ([]feed.FundingObservation, error) {
	if err, ok := f.errs[sym]; ok {
		return nil, err
	}
	return f.history[sym], nil
}

func strPtr(s string) *string { return &s }

func TestEnrichSplitsAtThreshold(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	f := &testFeed{
		history: map[string][]feed.FundingObservation{
			"BTCUSDT": {
				{FundingTime: now.Add(-2 * time.Hour), FundingRate: 0.0001},
				{FundingTime: now.Add(5 * time.Minute), FundingRate: 0.0002},  // at-or-before threshold (t+10m)
				{FundingTime: now.Add(20 * time.Minute), FundingRate: 0.0003}, // strictly after threshold
			},
		},
	}
	e := New(f, nil)
	items := []store.LeaderboardItem{{Symbol: "BTCUSDT", FutureSymbol: strPtr("BTCUSDT")}}
	e.Enrich(context.Background(), items, now, 8)

	require.NotNil(t, items[0].CurrentFundingRate)
	require.Equal(t, 0.0002, *items[0].CurrentFundingRate)
	require.Len(t, items[0].FundingRateHistory, 1)
	require.Equal(t, 0.0003, items[0].FundingRateHistory[0].FundingRate)
}

func TestEnrichLeavesRowUnsetOnFetchFailure(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	f := &testFeed{errs: map[string]error{"ETHUSDT": errors.New("boom")}}
	e := New(f, nil)
	items := []store.LeaderboardItem{{Symbol: "ETHUSDT", FutureSymbol: strPtr("ETHUSDT")}}
	e.Enrich(context.Background(), items, now, 8)

	require.Nil(t, items[0].CurrentFundingRate)
	require.Empty(t, items[0].FundingRateHistory)
}

func TestEnrichSkipsItemsWithoutFutureSymbol(t *testing.T) {
	e := New(&testFeed{}, nil)
	items := []store.LeaderboardItem{{Symbol: "SPOTONLYUSDT"}}
	e.Enrich(context.Background(), items, time.Now().UTC(), 8)
	require.Nil(t, items[0].CurrentFundingRate)
}

func TestSplitNoObservationsAtOrBeforeThreshold(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	obs := []feed.FundingObservation{{FundingTime: now.Add(time.Hour), FundingRate: 0.01}}
	current, history := split(obs, now.Add(10*time.Minute))
	require.Nil(t, current)
	require.Len(t, history, 1)
}
