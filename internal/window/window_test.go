package window

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/dropleader/internal/candle"
	"github.com/sawpanic/dropleader/internal/feed"
)

// testFeed is a minimal feed.MarketFeed stub driven by per-symbol fixtures.
type testFeed struct {
	klines map[string][]candle.Candle
	errs   map[string]error
}

func (f *testFeed) ExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) { return nil, nil }
func (f *testFeed) FuturesExchangeInfo(ctx context.Context) ([]feed.ExchangeSymbol, error) {
	return nil, nil
}

func (f *testFeed) Klines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error) {
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	return f.klines[symbol], nil
}
func (f *testFeed) FuturesKlines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) DailyKlines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error) {
	return nil, nil
}
func (f *testFeed) FundingRateHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]feed.FundingObservation, error) {
	return nil, nil
}

func candlesFor(n int, base time.Time) []candle.Candle {
	out := make([]candle.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = candle.Candle{
			OpenTime:    base.Add(time.Duration(i) * time.Hour),
			Open:        100 + float64(i),
			Close:       100 + float64(i),
			Volume:      10,
			QuoteVolume: 1000,
		}
	}
	return out
}

func TestPreloadEvictsSymbolsWithNoCandles(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	f := &testFeed{
		klines: map[string][]candle.Candle{
			"BTCUSDT": candlesFor(24, now.Add(-24*time.Hour)),
			"ETHUSDT": {},
		},
	}
	e := New(f, nil)
	out := e.Preload(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, now, Config{InterBatchWait: time.Millisecond})

	require.Contains(t, out, "BTCUSDT")
	require.NotContains(t, out, "ETHUSDT")
	require.Len(t, out["BTCUSDT"].Data, 24)
}

func TestPreloadEvictsSymbolsWhoseFetchErrors(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	f := &testFeed{
		klines: map[string][]candle.Candle{"BTCUSDT": candlesFor(24, now.Add(-24*time.Hour))},
		errs:   map[string]error{"ETHUSDT": errors.New("boom")},
	}
	e := New(f, nil)
	out := e.Preload(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, now, Config{MaxRetries: 1, InterBatchWait: time.Millisecond})

	require.Contains(t, out, "BTCUSDT")
	require.NotContains(t, out, "ETHUSDT")
}

func TestPreloadBatches(t *testing.T) {
	now := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	klines := map[string][]candle.Candle{}
	symbols := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		sym := string(rune('A'+i)) + "USDT"
		symbols = append(symbols, sym)
		klines[sym] = candlesFor(24, now.Add(-24*time.Hour))
	}
	f := &testFeed{klines: klines}
	e := New(f, nil)
	out := e.Preload(context.Background(), symbols, now, Config{BatchSize: 2, InterBatchWait: time.Millisecond})
	require.Len(t, out, 5)
}
