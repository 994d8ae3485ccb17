package ports

import (
	"context"
	"time"

	"cryptoSpotBot/internal/domain"
)

// OrderRequest describes a market order to submit.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Quantity      string // Already floored and formatted to the symbol's step size
	ClientOrderID string // Reused across retries so the exchange can reject duplicates
}

// Fill is a single execution of a market order.
type Fill struct {
	Price           float64
	Quantity        float64
	Commission      float64
	CommissionAsset string
}

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	ClientOrderID string    // User-defined order ID
	Symbol        string    // Symbol for the order
	Side          string    // Order side (BUY, SELL)
	Status        string    // Order status (e.g., FILLED, PARTIALLY_FILLED, EXPIRED)
	ExecutedQty   float64   // Quantity filled
	QuoteQty      float64   // Cumulative quote quantity
	Fills         []Fill    // Individual fills
	Timestamp     time.Time // Transaction time
}

// AvgPrice returns the quantity-weighted average fill price, falling back to
// quote/executed quantity when no fills were reported.
func (o *OrderResponse) AvgPrice() float64 {
	var qty, notional float64
	for _, f := range o.Fills {
		qty += f.Quantity
		notional += f.Price * f.Quantity
	}
	if qty > 0 {
		return notional / qty
	}
	if o.ExecutedQty > 0 && o.QuoteQty > 0 {
		return o.QuoteQty / o.ExecutedQty
	}
	if len(o.Fills) > 0 {
		return o.Fills[0].Price
	}
	return 0
}

// CommissionIn returns the total commission expressed in the quote asset. Commission paid
// in the base asset is converted at the fill price; other assets (e.g. BNB) are ignored.
func (o *OrderResponse) CommissionIn(baseAsset, quoteAsset string) float64 {
	total := 0.0
	for _, f := range o.Fills {
		switch f.CommissionAsset {
		case quoteAsset:
			total += f.Commission
		case baseAsset:
			total += f.Commission * f.Price
		}
	}
	return total
}

// BaseCommission returns the commission charged in the base asset, which reduces the
// quantity actually credited on a BUY.
func (o *OrderResponse) BaseCommission(baseAsset string) float64 {
	total := 0.0
	for _, f := range o.Fills {
		if f.CommissionAsset == baseAsset {
			total += f.Commission
		}
	}
	return total
}

// ExchangeClient defines the interface for interacting with a spot exchange.
// This abstraction allows decoupling the core bot logic from specific exchange implementations.
type ExchangeClient interface {
	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error

	// GetPrice retrieves the last traded price for a symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// GetMarketRules retrieves lot-size and notional constraints for a symbol.
	GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error)

	// GetAccountBalances returns free balances keyed by asset.
	GetAccountBalances(ctx context.Context) (map[string]float64, error)

	// PlaceMarketOrder places a market order and returns its fills.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// GetOrder looks up an order by the client order ID it was placed with.
	// Returns ErrNotFound when the exchange has no such order.
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResponse, error)

	// GetKlines retrieves recent klines ordered oldest first.
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)
}
