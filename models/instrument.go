package models

// Category is the market an instrument belongs to, resolved once when the
// symbol list is enumerated.
type Category string

const (
	CategoryForex       Category = "Forex"
	CategoryStocks      Category = "Stocks"
	CategoryCommodities Category = "Commodities"
	CategoryIndices     Category = "Indices"
	CategoryETFs        Category = "ETFs"
	CategoryCrypto      Category = "Crypto"
	CategoryDerivatives Category = "Derivatives"
	CategoryUnknown     Category = "Unknown"
)

// Instrument is one tradable symbol reported by a provider.
type Instrument struct {
	Name     string
	Path     string
	Category Category
}
