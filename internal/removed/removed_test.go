package removed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/dropleader/internal/candle"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/symbol"
)

type testFeed struct {
	klines map[string][]candle.Candle
	errs   map[string]error
}

func (f *testFeed) ExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) { return nil, nil }
func (f *testFeed) FuturesExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) {
	return nil, nil
}
func (f *testFeed) Klines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	if err, ok := f.errs[sym]; ok {
		return nil, err
	}
	return f.klines[sym], nil
}
func (f *testFeed) FuturesKlines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) DailyKlines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) FundingRateHistory(ctx context.Context, sym string, start, end time.Time, limit int) ([]feed.FundingObservation, error) {
	return nil, nil
}

func TestDiffReturnsSetDifference(t *testing.T) {
	prev := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	current := []string{"BBBUSDT", "DDDUSDT"}
	out := Diff(prev, current)
	require.ElementsMatch(t, []string{"AAAUSDT", "CCCUSDT"}, out)
}

func TestDiffEmptyWhenNothingRemoved(t *testing.T) {
	require.Empty(t, Diff([]string{"AAAUSDT"}, []string{"AAAUSDT", "BBBUSDT"}))
}

func TestBuildCohortDropsUnrecomputableSymbols(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	f := &testFeed{
		klines: map[string][]candle.Candle{
			"AAAUSDT": {{OpenTime: now.Add(-time.Hour), Open: 10, Close: 9}},
		},
		errs: map[string]error{"BBBUSDT": errors.New("boom")},
	}
	noPerp := func(symbol.Symbol) bool { return false }

	items := BuildCohort(context.Background(), []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}, f, noPerp, nil, now)
	require.Len(t, items, 1)
	require.Equal(t, "AAAUSDT", items[0].Symbol)
	require.Equal(t, 0.0, items[0].MarketShare)
	require.Equal(t, 1, items[0].Rank)
}

func TestBuildCohortEmptyInput(t *testing.T) {
	f := &testFeed{}
	noPerp := func(symbol.Symbol) bool { return false }
	require.Nil(t, BuildCohort(context.Background(), nil, f, noPerp, nil, time.Now().UTC()))
}
