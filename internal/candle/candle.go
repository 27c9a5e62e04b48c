// Package candle holds the 1h OHLCV bar type and the sliding 24h window
// aggregates built on top of it.
package candle

import "time"

// Candle is one 1-hour bar (§3). Numeric fields are parsed from the feed's
// decimal strings to float64; summation order is preserved to keep
// aggregate sums stable to at least 8 significant digits.
type Candle struct {
	OpenTime            time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           time.Time
	QuoteVolume         float64
	Trades              int64
	TakerBuyVolume      float64
	TakerBuyQuoteVolume float64
}

// Window is the ordered 24 consecutive 1h candles for one symbol at an
// instant t, plus its cached aggregates (§3). |Data| <= 24.
type Window struct {
	Symbol       string
	Data         []Candle
	Volume24h    float64
	QuoteVol24h  float64
}

// NewWindow builds a Window from candles already filtered to [t-24h, t),
// computing the cached sum aggregates.
func NewWindow(symbol string, data []Candle) Window {
	w := Window{Symbol: symbol, Data: data}
	for _, c := range data {
		w.Volume24h += c.Volume
		w.QuoteVol24h += c.QuoteVolume
	}
	return w
}

// PriceAtTime is the last candle's open (§3).
func (w Window) PriceAtTime() float64 {
	if len(w.Data) == 0 {
		return 0
	}
	return w.Data[len(w.Data)-1].Open
}

// Price24hAgo is the first candle's open (§3).
func (w Window) Price24hAgo() float64 {
	if len(w.Data) == 0 {
		return 0
	}
	return w.Data[0].Open
}

// PriceChange24h is (priceAtTime - price24hAgo) / price24hAgo * 100, or 0
// if price24hAgo is 0.
func (w Window) PriceChange24h() float64 {
	prev := w.Price24hAgo()
	if prev == 0 {
		return 0
	}
	return (w.PriceAtTime() - prev) / prev * 100
}

// HighLow returns the window's high24h and low24h (max high, min low).
func (w Window) HighLow() (high, low float64) {
	for i, c := range w.Data {
		if i == 0 || c.High > high {
			high = c.High
		}
		if i == 0 || c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// Volatility24h is (high24h - low24h) / low24h * 100, or 0 if low24h is 0.
func (w Window) Volatility24h() float64 {
	high, low := w.HighLow()
	if low == 0 {
		return 0
	}
	return (high - low) / low * 100
}

// ClosestTo returns the candle whose OpenTime is closest to t, restricted
// to candles whose OpenTime falls in [t+lowerOffset, t+upperOffset]. ok is
// false when no candle falls in that window.
func ClosestTo(candles []Candle, t time.Time, lowerOffset, upperOffset time.Duration) (Candle, bool) {
	lo, hi := t.Add(lowerOffset), t.Add(upperOffset)
	var best Candle
	var bestDelta time.Duration
	found := false
	for _, c := range candles {
		if c.OpenTime.Before(lo) || c.OpenTime.After(hi) {
			continue
		}
		delta := c.OpenTime.Sub(t)
		if delta < 0 {
			delta = -delta
		}
		if !found || delta < bestDelta {
			best, bestDelta, found = c, delta, true
		}
	}
	return best, found
}
