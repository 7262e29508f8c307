// Package agenttypes defines pricing types for per-model cost computation.
package agenttypes

// ModelPrice holds per-million-token prices for one model, in the proxy's
// local currency.
type ModelPrice struct {
	InputPerMillion  float64 `json:"input_price_per_million" yaml:"input_price_per_million"`
	OutputPerMillion float64 `json:"output_price_per_million" yaml:"output_price_per_million"`
}

// PriceTable maps an exact model identifier to its prices.
type PriceTable map[string]ModelPrice

// PriceLookup is the injected price-lookup capability. Absence of an entry for
// a model makes cost computation return "unknown" rather than erroring, so
// implementations report presence explicitly.
type PriceLookup interface {
	// Price returns the price entry for the exact model identifier, and
	// whether one exists.
	Price(model string) (ModelPrice, bool)
}
