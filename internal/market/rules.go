// Package market caches per-symbol exchange trading rules.
package market

import (
	"context"
	"strings"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

// RulesSource is the subset of ports.ExchangeClient the cache needs.
type RulesSource interface {
	GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error)
}

// Generic rules used when neither the exchange nor the static table knows a symbol.
const (
	DefaultStepSize    = 0.0001
	DefaultMinQty      = 0.001
	DefaultMinNotional = 10.0
)

// quoteAssets are tried in order when splitting a symbol into base and quote.
var quoteAssets = []string{"USDT", "FDUSD", "USDC", "BUSD", "BTC", "ETH", "BNB"}

// staticRules covers the majors so sizing stays exchange-legal during an exchange-info outage.
var staticRules = map[string]domain.MarketRules{
	"BTCUSDT":  {StepSize: 0.000001, MinQty: 0.00001, MinNotional: 10},
	"ETHUSDT":  {StepSize: 0.0001, MinQty: 0.001, MinNotional: 10},
	"BNBUSDT":  {StepSize: 0.001, MinQty: 0.001, MinNotional: 10},
	"SOLUSDT":  {StepSize: 0.01, MinQty: 0.1, MinNotional: 10},
	"XRPUSDT":  {StepSize: 1, MinQty: 1, MinNotional: 10},
	"ADAUSDT":  {StepSize: 0.1, MinQty: 0.1, MinNotional: 10},
	"DOGEUSDT": {StepSize: 1, MinQty: 1, MinNotional: 10},
	"DOTUSDT":  {StepSize: 0.01, MinQty: 0.01, MinNotional: 10},
	"LTCUSDT":  {StepSize: 0.001, MinQty: 0.001, MinNotional: 10},
}

// RulesCache resolves MarketRules for a symbol: exchange first, then the static table,
// then generic defaults. Only exchange-sourced rules are cached; a later lookup can still
// replace a fallback. Not safe for concurrent use.
type RulesCache struct {
	src    RulesSource
	logger ports.Logger
	cache  map[string]domain.MarketRules
}

// NewRulesCache creates a cache backed by src.
func NewRulesCache(src RulesSource, logger ports.Logger) *RulesCache {
	return &RulesCache{
		src:    src,
		logger: logger,
		cache:  make(map[string]domain.MarketRules),
	}
}

// Get returns the rules for symbol. It never fails.
func (c *RulesCache) Get(ctx context.Context, symbol string) domain.MarketRules {
	symbol = strings.ToUpper(symbol)
	if r, ok := c.cache[symbol]; ok {
		return r
	}

	if c.src != nil {
		r, err := c.src.GetMarketRules(ctx, symbol)
		if err == nil && r != nil && r.StepSize > 0 {
			rules := *r
			rules.Symbol = symbol
			if rules.BaseAsset == "" || rules.QuoteAsset == "" {
				rules.BaseAsset, rules.QuoteAsset = SplitSymbol(symbol)
			}
			c.cache[symbol] = rules
			c.logger.Debug(ctx, "Cached market rules", map[string]interface{}{
				"symbol": symbol, "stepSize": rules.StepSize, "minQty": rules.MinQty, "minNotional": rules.MinNotional,
			})
			return rules
		}
		fields := map[string]interface{}{"symbol": symbol}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.logger.Warn(ctx, "Exchange rules unavailable, using fallback", fields)
	}

	return Fallback(symbol)
}

// Cached reports whether exchange rules for symbol are in the cache.
func (c *RulesCache) Cached(symbol string) bool {
	_, ok := c.cache[strings.ToUpper(symbol)]
	return ok
}

// Fallback returns the static rules for symbol, or the generic defaults.
func Fallback(symbol string) domain.MarketRules {
	symbol = strings.ToUpper(symbol)
	base, quote := SplitSymbol(symbol)
	r, ok := staticRules[symbol]
	if !ok {
		r = domain.MarketRules{StepSize: DefaultStepSize, MinQty: DefaultMinQty, MinNotional: DefaultMinNotional}
	}
	r.Symbol = symbol
	r.BaseAsset = base
	r.QuoteAsset = quote
	return r
}

// SplitSymbol splits a symbol such as "BTCUSDT" into its base and quote assets.
// Unknown quotes yield the whole symbol as base and an empty quote.
func SplitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}
