package symbols

import (
	"strings"

	"histflow/models"
)

// marketAliases maps the lowercase first segment of a provider symbol path
// to a market category.
var marketAliases = map[string]models.Category{
	"forex":            models.CategoryForex,
	"reval":            models.CategoryForex,
	"fx":               models.CategoryForex,
	"stocks":           models.CategoryStocks,
	"sharecfds":        models.CategoryStocks,
	"shares":           models.CategoryStocks,
	"commodities":      models.CategoryCommodities,
	"bullion":          models.CategoryCommodities,
	"metals":           models.CategoryCommodities,
	"cfd-crude-oil":    models.CategoryCommodities,
	"energies":         models.CategoryCommodities,
	"indices":          models.CategoryIndices,
	"cfd":              models.CategoryIndices,
	"cfd-2":            models.CategoryIndices,
	"cfd-jp225":        models.CategoryIndices,
	"etfs":             models.CategoryETFs,
	"etf":              models.CategoryETFs,
	"crypto":           models.CategoryCrypto,
	"cryptos":          models.CategoryCrypto,
	"cryptocurrencies": models.CategoryCrypto,
	"spot":             models.CategoryCrypto,
	"linear":           models.CategoryCrypto,
	"inverse":          models.CategoryCrypto,
	"futures":          models.CategoryCrypto,
	"treasuries":       models.CategoryDerivatives,
	"forwards":         models.CategoryDerivatives,
}

var cryptoQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH", "BNB"}

var fiatCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SEK": true, "NOK": true,
	"DKK": true, "SGD": true, "HKD": true, "MXN": true, "ZAR": true,
	"TRY": true, "PLN": true, "CNH": true,
}

// Classify resolves the market category of an instrument from its provider
// path (segments separated by '\' or '/') and falls back to heuristics on
// the bare symbol name.
func Classify(path, name string) models.Category {
	if path != "" {
		first := strings.FieldsFunc(path, func(r rune) bool { return r == '\\' || r == '/' })
		if len(first) > 0 {
			if c, ok := marketAliases[strings.ToLower(strings.TrimSpace(first[0]))]; ok {
				return c
			}
		}
	}

	sym := strings.ToUpper(strings.TrimSpace(name))
	sym = strings.NewReplacer("/", "", "-", "", "_", "", ".", "").Replace(sym)
	if len(sym) == 6 && fiatCodes[sym[:3]] && fiatCodes[sym[3:]] {
		return models.CategoryForex
	}
	for _, q := range cryptoQuotes {
		if len(sym) > len(q) && strings.HasSuffix(sym, q) {
			return models.CategoryCrypto
		}
	}
	return models.CategoryUnknown
}

// SafeFileName replaces characters that are not allowed in file names on
// common filesystems with '_'.
func SafeFileName(symbol string) string {
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range symbol {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
