// Package symbol decomposes trading-pair identifiers and resolves the
// spot-to-perpetual mapping used by the eligibility filter and the
// leaderboard builder.
package symbol

import "strings"

// Symbol is a venue-native trading pair identifier, e.g. "BTCUSDT".
type Symbol string

// quoteAssets is the fixed, longest-suffix-first quote set a Symbol is
// decomposed against.
var quoteAssets = []string{"FDUSD", "BUSD", "USDT", "USDC", "BNB", "BTC", "ETH"}

// Stablecoins is the fixed base-asset exclusion list (§6). TRIBE and RSR
// are carried over verbatim from the source.
var Stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "DAI": true, "TUSD": true,
	"USDP": true, "USDD": true, "FRAX": true, "FDUSD": true, "PYUSD": true,
	"LUSD": true, "GUSD": true, "SUSD": true, "HUSD": true, "OUSD": true,
	"USDK": true, "USDN": true, "UST": true, "USTC": true, "CUSD": true,
	"DOLA": true, "USDX": true, "RSR": true, "TRIBE": true,
}

// futuresAliases is the fixed "1000"-prefixed alias table (§3, §6).
var futuresAliases = map[Symbol]Symbol{
	"PEPEUSDT":  "1000PEPEUSDT",
	"SHIBUSDT":  "1000SHIBUSDT",
	"LUNCUSDT":  "1000LUNCUSDT",
	"XECUSDT":   "1000XECUSDT",
	"FLOKIUSDT": "1000FLOKIUSDT",
	"RATSUSDT":  "1000RATSUSDT",
	"BONKUSDT":  "1000BONKUSDT",
}

// Decompose splits a Symbol into base and quote asset by longest-suffix
// match against the fixed quote set. ok is false if no quote asset matches.
func Decompose(s Symbol) (base, quote string, ok bool) {
	str := string(s)
	for _, q := range quoteAssets {
		if strings.HasSuffix(str, q) && len(str) > len(q) {
			return strings.TrimSuffix(str, q), q, true
		}
	}
	return "", "", false
}

// PerpetualLookup answers whether a given symbol currently trades as a
// PERPETUAL futures contract; it is resolved once per backtest run from a
// batched exchange-info call (§4.2).
type PerpetualLookup func(s Symbol) bool

// FuturesSymbolFor resolves the futures contract tracking a spot Symbol,
// in the fixed order: identity, alias table, auto "1000"+base+USDT,
// otherwise the zero value and ok=false.
func FuturesSymbolFor(s Symbol, isPerp PerpetualLookup) (Symbol, bool) {
	if isPerp(s) {
		return s, true
	}
	if alias, found := futuresAliases[s]; found && isPerp(alias) {
		return alias, true
	}
	if base, quote, ok := Decompose(s); ok && quote == "USDT" {
		candidate := Symbol("1000" + base + "USDT")
		if isPerp(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// ContainsLeveragedToken reports whether a symbol string contains one of
// the leveraged-token markers excluded from universe discovery (§4.8.2).
func ContainsLeveragedToken(s Symbol) bool {
	str := string(s)
	for _, marker := range []string{"UP", "DOWN", "BULL", "BEAR"} {
		if strings.Contains(str, marker) {
			return true
		}
	}
	return false
}
