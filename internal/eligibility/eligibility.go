// Package eligibility implements EligibilityFilter (§4.2): partitions a
// candidate symbol universe into valid/invalid with reasons, for a given
// reference instant. The per-symbol concurrent-probe shape is grounded on
// internal/domain/pairs/filter.go's suffix-based classification in the
// source, generalized here into the full ordered rule chain and driven
// through the ConcurrencyPool.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/dropleader/internal/feed"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/pool"
	"github.com/sawpanic/dropleader/internal/symbol"
)

// Criteria configures one EligibilityFilter evaluation (§4.2, §4.3).
type Criteria struct {
	ReferenceTime      time.Time
	MinHistoryDays     int
	RequireFutures     bool
	ExcludeStablecoins bool
	IncludeInactive    bool
	Concurrency        int           // typical 5-12
	RequestDelay       time.Duration // binanceRequestDelay
}

// Partition is the filter's output (§4.2): valid/invalid sets with reasons.
type Partition struct {
	Valid   []symbol.Symbol
	Invalid []symbol.Symbol
	Reasons map[symbol.Symbol][]string
}

// Filter evaluates candidates against Criteria using f for history probes
// and futures-availability resolution.
type Filter struct {
	feed    feed.MarketFeed
	metrics *metrics.Collector
}

// New constructs a Filter. m may be nil.
func New(f feed.MarketFeed, m *metrics.Collector) *Filter {
	return &Filter{feed: f, metrics: m}
}

// Evaluate partitions candidates per the §4.2 ordered rule chain. Futures
// availability is resolved once in a batch call before the per-symbol loop.
func (f *Filter) Evaluate(ctx context.Context, candidates []symbol.Symbol, c Criteria) (Partition, error) {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = 150 * time.Millisecond
	}

	perpSet, err := f.resolvePerpetuals(ctx)
	if err != nil {
		return Partition{}, fmt.Errorf("resolve perpetual universe: %w", err)
	}
	isPerp := func(s symbol.Symbol) bool { return perpSet[s] }

	p := pool.New[symbol.Symbol, evalOut](pool.Options{
		InitialConcurrency: c.Concurrency,
		MinConcurrency:     1,
		MaxConcurrency:     c.Concurrency,
		Retry:              true,
		MaxRetries:         3,
		Name:               "eligibility",
	}, f.metrics)

	limiter := rate.NewLimiter(rate.Every(c.RequestDelay), 1)
	results, _ := p.Run(ctx, candidates, func(ctx context.Context, s symbol.Symbol) (evalOut, error) {
		if err := limiter.Wait(ctx); err != nil {
			return evalOut{}, err
		}
		return f.evaluateOne(ctx, s, c, isPerp)
	})

	part := Partition{Reasons: map[symbol.Symbol][]string{}}
	for _, r := range results {
		if r.Err != nil {
			// A probe that exhausted retries without resolving is treated
			// as invalid with the transport error recorded (§7: never
			// fails the run).
			part.Invalid = append(part.Invalid, r.Item)
			part.Reasons[r.Item] = append(part.Reasons[r.Item], r.Err.Error())
			continue
		}
		ev := r.Value
		if ev.valid {
			part.Valid = append(part.Valid, ev.sym)
		} else {
			part.Invalid = append(part.Invalid, ev.sym)
			part.Reasons[ev.sym] = append(part.Reasons[ev.sym], ev.reason)
		}
	}
	return part, nil
}

type evalOut struct {
	sym    symbol.Symbol
	valid  bool
	reason string
}

func (f *Filter) evaluateOne(ctx context.Context, s symbol.Symbol, c Criteria, isPerp symbol.PerpetualLookup) (evalOut, error) {
	base, _, ok := symbol.Decompose(s)
	if !ok {
		return evalOut{sym: s, valid: false, reason: "unrecognized quote asset"}, nil
	}

	// Rule 1: stablecoin exclusion.
	if c.ExcludeStablecoins && symbol.Stablecoins[base] {
		return evalOut{sym: s, valid: false, reason: "stablecoin base asset"}, nil
	}
	// Rule 2: BTC unconditional exclusion.
	if base == "BTC" {
		return evalOut{sym: s, valid: false, reason: "BTC base asset"}, nil
	}
	// Rule 3: futures requirement.
	if c.RequireFutures {
		if _, ok := symbol.FuturesSymbolFor(s, isPerp); !ok {
			return evalOut{sym: s, valid: false, reason: "no futures mapping"}, nil
		}
	}
	// Rule 4: history requirement.
	probeEnd := c.ReferenceTime.AddDate(0, 0, -7)
	probeStart := c.ReferenceTime.AddDate(0, 0, -c.MinHistoryDays)
	candles, err := f.feed.DailyKlines(ctx, string(s), probeStart, probeEnd, 10)
	if err != nil {
		if errors.Is(err, feed.ErrInvalidSymbol) {
			return evalOut{sym: s, valid: false, reason: fmt.Sprintf("历史数据不足%d天", c.MinHistoryDays)}, nil
		}
		return evalOut{}, err // transient: retried by the pool
	}
	if len(candles) == 0 {
		return evalOut{sym: s, valid: false, reason: fmt.Sprintf("历史数据不足%d天", c.MinHistoryDays)}, nil
	}
	earliest := candles[0].OpenTime
	for _, cd := range candles {
		if cd.OpenTime.Before(earliest) {
			earliest = cd.OpenTime
		}
	}
	if earliest.Sub(probeStart) > 30*24*time.Hour {
		return evalOut{sym: s, valid: false, reason: fmt.Sprintf("历史数据不足%d天", c.MinHistoryDays)}, nil
	}

	return evalOut{sym: s, valid: true}, nil
}

func (f *Filter) resolvePerpetuals(ctx context.Context) (map[symbol.Symbol]bool, error) {
	syms, err := f.feed.FuturesExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	set := map[symbol.Symbol]bool{}
	for _, s := range syms {
		if s.ContractType == "PERPETUAL" && s.Status != "" {
			set[symbol.Symbol(s.Symbol)] = true
		}
	}
	log.Debug().Int("count", len(set)).Msg("resolved perpetual universe")
	return set, nil
}
