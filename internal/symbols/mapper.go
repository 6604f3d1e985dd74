package symbols

import "strings"

// Canonical converts exchange-specific symbol spellings to one cross-broker
// form: uppercase, no separators, BTC instead of XBT and without the
// 1000-multiplier prefixes some venues use.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "binance", "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT", "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	default:
		sym = strings.NewReplacer("/", "", "-", "", "_", "").Replace(sym)
	}
	return sym
}
