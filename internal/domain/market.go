package domain

// MarketRules holds the exchange constraints for a single symbol.
type MarketRules struct {
	Symbol      string
	MinQty      float64 // LOT_SIZE minQty
	StepSize    float64 // LOT_SIZE stepSize
	MinNotional float64 // MIN_NOTIONAL / NOTIONAL minNotional
	BaseAsset   string
	QuoteAsset  string
}
