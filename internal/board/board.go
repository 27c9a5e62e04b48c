// Package board implements LeaderboardBuilder (§4.5): selection, ranking,
// market-share normalization, benchmark pricing, and futures-price
// attachment. The per-symbol metric shape is reused by RemovedCohortBuilder
// (internal/removed) for its on-instant recompute of dropped symbols.
package board

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/candle"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/pool"
	"github.com/sawpanic/dropleader/internal/store"
	"github.com/sawpanic/dropleader/internal/symbol"
)

// BenchmarkPrice is a benchmark asset's price and 24h change (§4.5).
type BenchmarkPrice struct {
	Price      float64
	Price24hAgo float64
	Change24h  float64
}

// Stats is the market-wide summary attached to a BacktestRow (§4.5).
type Stats struct {
	TotalVolume            float64
	TotalQuoteVolume       float64
	TopMarketConcentration float64
}

// Result is one period instant's leaderboard build output.
type Result struct {
	Items  []store.LeaderboardItem
	Stats  Stats
	BTC    BenchmarkPrice
	BTCDOM BenchmarkPrice
}

// Builder builds leaderboards from preloaded windows (§4.5).
type Builder struct {
	feed    feed.MarketFeed
	metrics *metrics.Collector
}

// New constructs a Builder. m may be nil.
func New(f feed.MarketFeed, m *metrics.Collector) *Builder {
	return &Builder{feed: f, metrics: m}
}

// ItemFromWindow converts a candle.Window into a LeaderboardItem's
// per-pair metrics, leaving Rank/MarketShare/futures fields unset (§3).
// Exported so RemovedCohortBuilder can reuse the identical computation.
func ItemFromWindow(sym string, w candle.Window) store.LeaderboardItem {
	base, quote, _ := symbol.Decompose(symbol.Symbol(sym))
	high, low := w.HighLow()
	return store.LeaderboardItem{
		Symbol:         sym,
		BaseAsset:      base,
		QuoteAsset:     quote,
		PriceChange24h: w.PriceChange24h(),
		PriceAtTime:    w.PriceAtTime(),
		Price24hAgo:    w.Price24hAgo(),
		Volume24h:      w.Volume24h,
		QuoteVolume24h: w.QuoteVol24h,
		Volatility24h:  w.Volatility24h(),
		High24h:        high,
		Low24h:         low,
	}
}

// SelectEligible applies the §4.5 selection criterion (>=24 candles AND
// quoteVolume24h >= minVolumeThreshold), builds per-pair items, and
// returns them sorted ascending by priceChange24h (largest fall first),
// plus the pre-truncation total quoteVolume24h the market-share and
// top-10-concentration figures are normalized against (§9 resolution).
func SelectEligible(windows map[string]candle.Window, minVolumeThreshold float64) ([]store.LeaderboardItem, float64) {
	items := make([]store.LeaderboardItem, 0, len(windows))
	var totalQuoteVol float64
	for sym, w := range windows {
		if len(w.Data) < 24 || w.QuoteVol24h < minVolumeThreshold {
			continue
		}
		items = append(items, ItemFromWindow(sym, w))
		totalQuoteVol += w.QuoteVol24h
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PriceChange24h < items[j].PriceChange24h
	})
	return items, totalQuoteVol
}

// Build produces one period instant's leaderboard (§4.5): selection, sort,
// truncation, rank assignment, market-share normalization, benchmark
// prices, and futures-price attachment.
func (b *Builder) Build(ctx context.Context, windows map[string]candle.Window, t time.Time, isPerp symbol.PerpetualLookup, minVolumeThreshold float64, limit int) (Result, error) {
	if limit <= 0 {
		limit = 50
	}
	eligible, totalQuoteVol := SelectEligible(windows, minVolumeThreshold)

	topN := eligible
	if len(topN) > 10 {
		topN = topN[:10]
	}
	var top10QuoteVol float64
	for _, it := range topN {
		top10QuoteVol += it.QuoteVolume24h
	}
	concentration := 0.0
	if totalQuoteVol > 0 {
		concentration = top10QuoteVol / totalQuoteVol * 100
	}

	truncated := eligible
	if len(truncated) > limit {
		truncated = truncated[:limit]
	}
	items := make([]store.LeaderboardItem, len(truncated))
	copy(items, truncated)
	for i := range items {
		items[i].Rank = i + 1
		if totalQuoteVol > 0 {
			items[i].MarketShare = items[i].QuoteVolume24h / totalQuoteVol * 100
		}
	}

	if err := AttachFuturesPrices(ctx, items, b.feed, isPerp, b.metrics, t); err != nil {
		log.Warn().Err(err).Msg("futures price attachment failed for one or more rows")
	}

	var totalVolume, totalQuoteVolume float64
	for _, it := range items {
		totalVolume += it.Volume24h
		totalQuoteVolume += it.QuoteVolume24h
	}

	btc := b.fetchBenchmark(ctx, "BTCUSDT", t)
	btcdom := b.fetchBenchmark(ctx, "BTCDOMUSDT", t)

	return Result{
		Items: items,
		Stats: Stats{
			TotalVolume:            totalVolume,
			TotalQuoteVolume:       totalQuoteVolume,
			TopMarketConcentration: concentration,
		},
		BTC:    btc,
		BTCDOM: btcdom,
	}, nil
}

// AttachFuturesPrices resolves each item's FutureSymbol and fetches the
// perp candle closest to t in [t-30m, t+90m] for FuturePriceAtTime (§4.5),
// batched at ~30 symbols with 300ms inter-batch delay. Exported for reuse
// by RemovedCohortBuilder's per-symbol recompute.
func AttachFuturesPrices(ctx context.Context, items []store.LeaderboardItem, f feed.MarketFeed, isPerp symbol.PerpetualLookup, m *metrics.Collector, t time.Time) error {
	type lookup struct {
		futureSym string
		indices   []int
	}
	bySym := map[string]*lookup{}
	order := make([]string, 0)
	for i := range items {
		fut, ok := symbol.FuturesSymbolFor(symbol.Symbol(items[i].Symbol), isPerp)
		if !ok {
			continue
		}
		if string(fut) != items[i].Symbol {
			items[i].FutureSymbol = strPtr(string(fut))
		}
		l, exists := bySym[string(fut)]
		if !exists {
			l = &lookup{futureSym: string(fut)}
			bySym[string(fut)] = l
			order = append(order, string(fut))
		}
		l.indices = append(l.indices, i)
	}
	if len(order) == 0 {
		return nil
	}

	const batchSize = 30
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		batch := order[start:end]

		p := pool.New[string, []candle.Candle](pool.Options{
			InitialConcurrency: batchSize,
			MaxConcurrency:     batchSize,
			MinConcurrency:     1,
			Retry:              true,
			MaxRetries:         3,
			Name:               "futures-price",
		}, m)
		results, _ := p.Run(ctx, batch, func(ctx context.Context, futSym string) ([]candle.Candle, error) {
			return f.FuturesKlines(ctx, futSym, t.Add(-30*time.Minute), t.Add(90*time.Minute), 10)
		})
		for _, r := range results {
			l := bySym[r.Item]
			if r.Err != nil {
				log.Warn().Err(r.Err).Str("futureSymbol", r.Item).Msg("futures price fetch failed")
				continue
			}
			c, ok := candle.ClosestTo(r.Value, t, -30*time.Minute, 90*time.Minute)
			if !ok {
				continue
			}
			price := c.Open
			for _, idx := range l.indices {
				items[idx].FuturePriceAtTime = &price
			}
		}

		if end < len(order) {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// fetchBenchmark implements the §4.5 benchmark-price computation for a
// single benchmark symbol, with independent exponential-backoff retry
// (max 3, delays 1s/2s/3s).
func (b *Builder) fetchBenchmark(ctx context.Context, sym string, t time.Time) BenchmarkPrice {
	var candles []candle.Candle
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		candles, err = b.feed.Klines(ctx, sym, t.Add(-25*time.Hour), t.Add(1*time.Hour), 26)
		if err == nil {
			break
		}
		log.Warn().Err(err).Str("symbol", sym).Int("attempt", attempt).Msg("benchmark fetch failed, retrying")
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return BenchmarkPrice{}
		}
	}
	if err != nil || len(candles) < 2 {
		return BenchmarkPrice{}
	}

	price := candles[len(candles)-1].Open
	ago, ok := candle.ClosestTo(candles, t.Add(-24*time.Hour), -24*time.Hour, 24*time.Hour)
	if !ok {
		return BenchmarkPrice{Price: price}
	}
	change := 0.0
	if ago.Open != 0 {
		change = (price - ago.Open) / ago.Open * 100
	}
	return BenchmarkPrice{Price: price, Price24hAgo: ago.Open, Change24h: change}
}

func strPtr(s string) *string { return &s }
