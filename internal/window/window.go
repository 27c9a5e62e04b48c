// Package window implements WindowEngine (§4.4): batched, concurrency-pool
// driven preload of per-symbol 24h 1h-candle windows, grounded on the
// source's windowed-fetch-and-cache shape generalized from an in-process
// TTL cache to a per-instant preload pass.
package window

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/candle"
	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/pool"
)

// Config tunes the batched preload protocol (§4.4).
type Config struct {
	BatchSize      int // default 40
	MaxConcurrency int // default 12
	MaxRetries     int // default 3
	InterBatchWait time.Duration // default 500ms
}

// Engine builds Window sets for a symbol pool at an instant.
type Engine struct {
	feed    feed.MarketFeed
	metrics *metrics.Collector
}

// New constructs an Engine. m may be nil.
func New(f feed.MarketFeed, m *metrics.Collector) *Engine {
	return &Engine{feed: f, metrics: m}
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 40
	}
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = 12
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.InterBatchWait <= 0 {
		out.InterBatchWait = 500 * time.Millisecond
	}
	return out
}

// Preload loads the trailing 24h window for every symbol in symbols at
// instant t, batching per §4.4. Symbols whose fetch yields zero candles
// are evicted from the returned map (never appear in this instant's
// leaderboard) with a warning logged.
func (e *Engine) Preload(ctx context.Context, symbols []string, t time.Time, cfg Config) map[string]candle.Window {
	cfg = cfg.withDefaults()
	out := make(map[string]candle.Window, len(symbols))

	for start := 0; start < len(symbols); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]

		p := pool.New[string, candle.Window](pool.Options{
			InitialConcurrency: cfg.MaxConcurrency,
			MaxConcurrency:     cfg.MaxConcurrency,
			MinConcurrency:     1,
			Retry:              true,
			MaxRetries:         cfg.MaxRetries,
			Name:               "window",
		}, e.metrics)

		results, _ := p.Run(ctx, batch, func(ctx context.Context, sym string) (candle.Window, error) {
			candles, err := e.feed.Klines(ctx, sym, t.Add(-24*time.Hour), t, 24)
			if err != nil {
				return candle.Window{}, err
			}
			return candle.NewWindow(sym, candles), nil
		})

		for _, r := range results {
			if r.Err != nil {
				log.Warn().Err(r.Err).Str("symbol", r.Item).Msg("window preload failed, evicting symbol for this instant")
				if e.metrics != nil {
					e.metrics.WindowEvictions.Inc()
				}
				continue
			}
			if len(r.Value.Data) == 0 {
				log.Warn().Str("symbol", r.Item).Msg("window preload returned zero candles, evicting symbol for this instant")
				if e.metrics != nil {
					e.metrics.WindowEvictions.Inc()
				}
				continue
			}
			out[r.Item] = r.Value
		}

		if end < len(symbols) {
			select {
			case <-time.After(cfg.InterBatchWait):
			case <-ctx.Done():
				return out
			}
		}
	}
	return out
}
