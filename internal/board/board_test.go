package board

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/dropleader/internal/candle"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/store"
	"github.com/sawpanic/dropleader/internal/symbol"
)

type testFeed struct {
	futuresKlines map[string][]candle.Candle
	benchmark     map[string][]candle.Candle
}

func (f *testFeed) ExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) { return nil, nil }
func (f *testFeed) FuturesExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) {
	return nil, nil
}
func (f *testFeed) Klines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return f.benchmark[sym], nil
}
func (f *testFeed) FuturesKlines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return f.futuresKlines[sym], nil
}
func (f *testFeed) DailyKlines(ctx context.Context, sym string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) FundingRateHistory(ctx context.Context, sym string, start, end time.Time, limit int) ([]feed.FundingObservation, error) {
	return nil, nil
}

func win(sym string, change float64, quoteVol float64, n int) candle.Window {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	data := make([]candle.Candle, n)
	startPrice := 100.0
	endPrice := startPrice * (1 + change/100)
	for i := 0; i < n; i++ {
		price := startPrice
		if n > 1 {
			price = startPrice + (endPrice-startPrice)*float64(i)/float64(n-1)
		}
		data[i] = candle.Candle{
			OpenTime:    now.Add(-24 * time.Hour).Add(time.Duration(i) * time.Hour),
			Open:        price,
			QuoteVolume: quoteVol / float64(n),
		}
	}
	return candle.NewWindow(sym, data)
}

func TestSelectEligibleFiltersByHistoryAndVolume(t *testing.T) {
	windows := map[string]candle.Window{
		"AAAUSDT": win("AAAUSDT", -10, 500000, 24), // eligible
		"BBBUSDT": win("BBBUSDT", -5, 100, 24),      // below volume threshold
		"CCCUSDT": win("CCCUSDT", -20, 500000, 10),  // too few candles
	}
	items, total := SelectEligible(windows, 1000)
	require.Len(t, items, 1)
	require.Equal(t, "AAAUSDT", items[0].Symbol)
	require.InDelta(t, 500000.0, total, 1e-6)
}

func TestSelectEligibleSortsAscendingByChange(t *testing.T) {
	windows := map[string]candle.Window{
		"AAAUSDT": win("AAAUSDT", -5, 10000, 24),
		"BBBUSDT": win("BBBUSDT", -20, 10000, 24),
		"CCCUSDT": win("CCCUSDT", 10, 10000, 24),
	}
	items, _ := SelectEligible(windows, 1000)
	require.Len(t, items, 3)
	require.Equal(t, "BBBUSDT", items[0].Symbol)
	require.Equal(t, "AAAUSDT", items[1].Symbol)
	require.Equal(t, "CCCUSDT", items[2].Symbol)
}

func TestBuildTruncatesAndAssignsMarketShareOverEligibleSet(t *testing.T) {
	windows := map[string]candle.Window{}
	for i := 0; i < 5; i++ {
		sym := string(rune('A'+i)) + "USDT"
		windows[sym] = win(sym, float64(-i-1), 10000, 24)
	}
	f := &testFeed{benchmark: map[string][]candle.Candle{}}
	b := New(f, nil)
	noPerp := func(symbol.Symbol) bool { return false }

	res, err := b.Build(context.Background(), windows, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), noPerp, 1000, 2)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, 1, res.Items[0].Rank)
	require.Equal(t, 2, res.Items[1].Rank)
	// market share normalized against the full eligible (5-symbol) total, not the truncated 2.
	require.InDelta(t, 20.0, res.Items[0].MarketShare, 0.01)
}

func TestAttachFuturesPricesResolvesAliasAndClosestCandle(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	f := &testFeed{
		futuresKlines: map[string][]candle.Candle{
			"1000PEPEUSDT": {
				{OpenTime: now.Add(-10 * time.Minute), Open: 1.0},
				{OpenTime: now.Add(5 * time.Minute), Open: 1.5},
			},
		},
	}
	isPerp := func(s symbol.Symbol) bool { return s == "1000PEPEUSDT" }

	rows := []store.LeaderboardItem{{Symbol: "PEPEUSDT"}}
	err := AttachFuturesPrices(context.Background(), rows, f, isPerp, nil, now)
	require.NoError(t, err)
	require.NotNil(t, rows[0].FutureSymbol)
	require.Equal(t, "1000PEPEUSDT", *rows[0].FutureSymbol)
	require.NotNil(t, rows[0].FuturePriceAtTime)
	require.Equal(t, 1.5, *rows[0].FuturePriceAtTime)
}
