// Package feed implements the MarketFeed capability (§6) against Binance
// spot and futures APIs, wrapped with retry/backoff, rate limiting, and a
// circuit breaker — the same guard composition the source's
// provider-guard layer applies to every outbound exchange call, rebuilt
// here around github.com/adshao/go-binance/v2 instead of a bespoke HTTP
// fetcher.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/dropleader/infra/breakers"
	"github.com/sawpanic/dropleader/internal/candle"
)

// ExchangeSymbol is one entry of exchangeInfo()/futuresExchangeInfo() (§6).
type ExchangeSymbol struct {
	Symbol       string
	Status       string
	QuoteAsset   string
	ContractType string // futures only; "PERPETUAL" filtered downstream
}

// FundingObservation is one entry of fundingRateHistory() (§6, §4.7).
type FundingObservation struct {
	FundingTime time.Time
	FundingRate float64
	MarkPrice   *float64 // nil when the feed omits or can't parse it
}

// MarketFeed is the external capability this core consumes (§6). Every
// method transparently retries transient/rate-limit errors up to 3 times
// with exponential backoff.
type MarketFeed interface {
	ExchangeInfo(ctx context.Context) ([]ExchangeSymbol, error)
	FuturesExchangeInfo(ctx context.Context) ([]ExchangeSymbol, error)
	Klines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error)
	FuturesKlines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error)
	DailyKlines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error)
	FundingRateHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]FundingObservation, error)
}

// ErrInvalidSymbol signals a permanent 400/-1121 feed response (§7):
// interpreted as a negative eligibility answer, never a run failure.
var ErrInvalidSymbol = errors.New("feed: invalid symbol")

// Config configures guard behavior around the Binance clients.
type Config struct {
	APIKey        string
	APISecret     string
	BaseURL       string
	FuturesURL    string
	MaxRetries    int
	BackoffBase   time.Duration
	RateRPS       float64
	RateBurst     int
	BreakerWindow time.Duration
}

// binanceFeed is the concrete MarketFeed over go-binance/v2.
type binanceFeed struct {
	spot    *binance.Client
	perp    *futures.Client
	limiter *rate.Limiter
	breaker *breakers.Breaker
	cfg     Config
}

// New constructs the Binance-backed MarketFeed.
func New(cfg Config) MarketFeed {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	spot := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		spot.BaseURL = cfg.BaseURL
	}
	perp := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.FuturesURL != "" {
		perp.BaseURL = cfg.FuturesURL
	}
	return &binanceFeed{
		spot:    spot,
		perp:    perp,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		breaker: breakers.New("binance-feed", cfg.BreakerWindow),
		cfg:     cfg,
	}
}

// withRetry executes op with exponential backoff, distinguishing
// rate-limit errors (5s*attempt delay per §5) from transport errors
// (BackoffBase doubled per retry, capped at 30s), with a 10s timeout on
// each attempt and a circuit breaker around the whole call (§7).
func (f *binanceFeed) withRetry(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffFor(lastErr, attempt, f.cfg.BackoffBase)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		v, err := f.breaker.Execute(callCtx, op)
		cancel()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrInvalidSymbol) {
			return nil, err // permanent, never retried (§7)
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("feed call failed, retrying")
	}
	return nil, fmt.Errorf("feed call exhausted %d retries: %w", f.cfg.MaxRetries, lastErr)
}

func backoffFor(err error, attempt int, base time.Duration) time.Duration {
	if err != nil && isRateLimitErr(err) {
		return 5 * time.Second * time.Duration(attempt)
	}
	d := base << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func isRateLimitErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

func isInvalidSymbolErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "-1121") || strings.Contains(msg, "invalid symbol")
}

func (f *binanceFeed) ExchangeInfo(ctx context.Context) ([]ExchangeSymbol, error) {
	v, err := f.withRetry(ctx, func(ctx context.Context) (any, error) {
		info, err := f.spot.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]ExchangeSymbol, 0, len(info.Symbols))
		for _, s := range info.Symbols {
			out = append(out, ExchangeSymbol{Symbol: s.Symbol, Status: s.Status, QuoteAsset: s.QuoteAsset})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ExchangeSymbol), nil
}

func (f *binanceFeed) FuturesExchangeInfo(ctx context.Context) ([]ExchangeSymbol, error) {
	v, err := f.withRetry(ctx, func(ctx context.Context) (any, error) {
		info, err := f.perp.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]ExchangeSymbol, 0, len(info.Symbols))
		for _, s := range info.Symbols {
			out = append(out, ExchangeSymbol{Symbol: s.Symbol, Status: string(s.Status), ContractType: string(s.ContractType)})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ExchangeSymbol), nil
}

func (f *binanceFeed) Klines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error) {
	v, err := f.withRetry(ctx, func(ctx context.Context) (any, error) {
		raw, err := f.spot.NewKlinesService().Symbol(symbol).Interval("1h").
			StartTime(start.UnixMilli()).EndTime(end.UnixMilli()).Limit(limit).Do(ctx)
		if err != nil {
			if isInvalidSymbolErr(err) {
				return nil, ErrInvalidSymbol
			}
			return nil, err
		}
		return convertSpotKlines(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]candle.Candle), nil
}

func (f *binanceFeed) DailyKlines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error) {
	v, err := f.withRetry(ctx, func(ctx context.Context) (any, error) {
		raw, err := f.spot.NewKlinesService().Symbol(symbol).Interval("1d").
			StartTime(start.UnixMilli()).EndTime(end.UnixMilli()).Limit(limit).Do(ctx)
		if err != nil {
			if isInvalidSymbolErr(err) {
				return nil, ErrInvalidSymbol
			}
			return nil, err
		}
		return convertSpotKlines(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]candle.Candle), nil
}

func (f *binanceFeed) FuturesKlines(ctx context.Context, symbol string, start, end time.Time, limit int) ([]candle.Candle, error) {
	v, err := f.withRetry(ctx, func(ctx context.Context) (any, error) {
		raw, err := f.perp.NewKlinesService().Symbol(symbol).Interval("1h").
			StartTime(start.UnixMilli()).EndTime(end.UnixMilli()).Limit(limit).Do(ctx)
		if err != nil {
			if isInvalidSymbolErr(err) {
				return nil, ErrInvalidSymbol
			}
			return nil, err
		}
		return convertFuturesKlines(raw), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]candle.Candle), nil
}

func (f *binanceFeed) FundingRateHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]FundingObservation, error) {
	v, err := f.withRetry(ctx, func(ctx context.Context) (any, error) {
		raw, err := f.perp.NewFundingRateService().Symbol(symbol).
			StartTime(start.UnixMilli()).EndTime(end.UnixMilli()).Limit(limit).Do(ctx)
		if err != nil {
			if isInvalidSymbolErr(err) {
				return nil, ErrInvalidSymbol
			}
			return nil, err
		}
		out := make([]FundingObservation, 0, len(raw))
		for _, r := range raw {
			rate, err := strconv.ParseFloat(r.FundingRate, 64)
			if err != nil {
				log.Warn().Str("symbol", symbol).Str("raw", r.FundingRate).Msg("unparseable funding rate")
				continue
			}
			var mark *float64
			if r.MarkPrice != "" {
				if mp, err := strconv.ParseFloat(r.MarkPrice, 64); err == nil {
					mark = &mp
				} else {
					log.Warn().Str("symbol", symbol).Msg("unparseable mark price, persisting null")
				}
			}
			out = append(out, FundingObservation{
				FundingTime: time.UnixMilli(r.FundingTime),
				FundingRate: rate,
				MarkPrice:   mark,
			})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]FundingObservation), nil
}

func convertSpotKlines(raw []*binance.Kline) []candle.Candle {
	out := make([]candle.Candle, 0, len(raw))
	for _, k := range raw {
		out = append(out, toCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime, k.QuoteAssetVolume, k.TradeNum, k.TakerBuyBaseAssetVolume, k.TakerBuyQuoteAssetVolume))
	}
	return out
}

func convertFuturesKlines(raw []*futures.Kline) []candle.Candle {
	out := make([]candle.Candle, 0, len(raw))
	for _, k := range raw {
		out = append(out, toCandle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime, k.QuoteAssetVolume, k.TradeNum, k.TakerBuyBaseAssetVolume, k.TakerBuyQuoteAssetVolume))
	}
	return out
}

func toCandle(openTimeMs int64, open, high, low, close, volume string, closeTimeMs int64, quoteVolume string, trades int64, takerBuyVol, takerBuyQuoteVol string) candle.Candle {
	parse := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}
	return candle.Candle{
		OpenTime:            time.UnixMilli(openTimeMs),
		Open:                parse(open),
		High:                parse(high),
		Low:                 parse(low),
		Close:               parse(close),
		Volume:              parse(volume),
		CloseTime:           time.UnixMilli(closeTimeMs),
		QuoteVolume:         parse(quoteVolume),
		Trades:              trades,
		TakerBuyVolume:      parse(takerBuyVol),
		TakerBuyQuoteVolume: parse(takerBuyQuoteVol),
	}
}
