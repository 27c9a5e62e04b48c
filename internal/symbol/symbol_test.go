package symbol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecompose(t *testing.T) {
	base, quote, ok := Decompose("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "BTC", base)
	require.Equal(t, "USDT", quote)
}

func TestDecomposeUnrecognizedQuote(t *testing.T) {
	_, _, ok := Decompose("BTCXYZ")
	require.False(t, ok)
}

func TestDecomposePicksLongestQuoteSuffix(t *testing.T) {
	// The five-letter quote FDUSD is split off whole.
	base, quote, ok := Decompose("ETHFDUSD")
	require.True(t, ok)
	require.Equal(t, "ETH", base)
	require.Equal(t, "FDUSD", quote)
}

func TestFuturesSymbolForIdentity(t *testing.T) {
	isPerp := func(s Symbol) bool { return s == "ETHUSDT" }
	fut, ok := FuturesSymbolFor("ETHUSDT", isPerp)
	require.True(t, ok)
	require.Equal(t, Symbol("ETHUSDT"), fut)
}

func TestFuturesSymbolForAliasTable(t *testing.T) {
	isPerp := func(s Symbol) bool { return s == "1000PEPEUSDT" }
	fut, ok := FuturesSymbolFor("PEPEUSDT", isPerp)
	require.True(t, ok)
	require.Equal(t, Symbol("1000PEPEUSDT"), fut)
}

func TestFuturesSymbolForAuto1000Prefix(t *testing.T) {
	isPerp := func(s Symbol) bool { return s == "1000NEWCOINUSDT" }
	fut, ok := FuturesSymbolFor("NEWCOINUSDT", isPerp)
	require.True(t, ok)
	require.Equal(t, Symbol("1000NEWCOINUSDT"), fut)
}

func TestFuturesSymbolForNoMapping(t *testing.T) {
	isPerp := func(Symbol) bool { return false }
	_, ok := FuturesSymbolFor("OBSCUREUSDT", isPerp)
	require.False(t, ok)
}

func TestContainsLeveragedToken(t *testing.T) {
	require.True(t, ContainsLeveragedToken("BTCUPUSDT"))
	require.True(t, ContainsLeveragedToken("BTCDOWNUSDT"))
	require.False(t, ContainsLeveragedToken("BTCUSDT"))
}
