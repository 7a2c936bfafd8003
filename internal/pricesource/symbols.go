package pricesource

import "strings"

// ToCoin maps an exchange ticker symbol (e.g. "BTCUSDT") to the engine's
// internal coin identifier (e.g. "BTC"). Every tracked coin is quoted in
// USDT, the spot-market convention this engine assumes throughout.
func ToCoin(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), "USDT")
}

// ToSymbol maps an internal coin identifier back to its exchange ticker symbol.
func ToSymbol(coin string) string {
	return strings.ToUpper(coin) + "USDT"
}

// StreamName builds the combined-stream subscription name for coin's mini-ticker.
func StreamName(coin string) string {
	return strings.ToLower(ToSymbol(coin)) + "@miniTicker"
}

// CombinedStreamURL builds a combined-stream websocket URL for the given coins.
func CombinedStreamURL(baseURL string, coins []string) string {
	names := make([]string, len(coins))
	for i, c := range coins {
		names[i] = StreamName(c)
	}
	return baseURL + "/stream?streams=" + strings.Join(names, "/")
}
