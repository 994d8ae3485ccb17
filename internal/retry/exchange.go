package retry

import (
	"context"
	"errors"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

// Exchange decorates a ports.ExchangeClient so every call follows the retry policy.
// Order placement is retried with the same client order ID, which the exchange rejects
// as a duplicate if an earlier attempt actually went through. When that happens, or the
// attempts run out on transient failures, the order is looked up by its client ID.
type Exchange struct {
	inner  ports.ExchangeClient
	policy Policy
}

// NewExchange wraps inner with policy.
func NewExchange(inner ports.ExchangeClient, policy Policy) *Exchange {
	return &Exchange{inner: inner, policy: policy}
}

func (e *Exchange) Ping(ctx context.Context) error {
	return Do(ctx, e.policy, "Ping", e.inner.Ping)
}

func (e *Exchange) SetServerTime(ctx context.Context) error {
	return Do(ctx, e.policy, "SetServerTime", e.inner.SetServerTime)
}

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return DoValue(ctx, e.policy, "GetPrice "+symbol, func(ctx context.Context) (float64, error) {
		return e.inner.GetPrice(ctx, symbol)
	})
}

func (e *Exchange) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	return DoValue(ctx, e.policy, "GetMarketRules "+symbol, func(ctx context.Context) (*domain.MarketRules, error) {
		return e.inner.GetMarketRules(ctx, symbol)
	})
}

func (e *Exchange) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	return DoValue(ctx, e.policy, "GetAccountBalances", e.inner.GetAccountBalances)
}

func (e *Exchange) PlaceMarketOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder " + req.Symbol
	uncertain := false
	resp, err := DoValue(ctx, e.policy, op, func(ctx context.Context) (*ports.OrderResponse, error) {
		resp, err := e.inner.PlaceMarketOrder(ctx, req)
		if ports.IsTransient(err) {
			uncertain = true
		}
		return resp, err
	})
	if err == nil || !uncertain || req.ClientOrderID == "" {
		return resp, err
	}
	if !errors.Is(err, ports.ErrDuplicateOrder) && !ports.IsTransient(err) {
		return nil, err
	}

	found, lookupErr := e.GetOrder(ctx, req.Symbol, req.ClientOrderID)
	if lookupErr != nil {
		if e.policy.Logger != nil {
			e.policy.Logger.Warn(ctx, op+": order state unknown after failed lookup", map[string]interface{}{
				"clientOrderId": req.ClientOrderID, "error": err.Error(), "lookupError": lookupErr.Error(),
			})
		}
		return nil, err
	}
	if e.policy.Logger != nil {
		e.policy.Logger.Warn(ctx, op+": placement failed but the order exists, using its fills", map[string]interface{}{
			"clientOrderId": req.ClientOrderID, "orderId": found.OrderID, "status": found.Status,
			"executedQty": found.ExecutedQty, "error": err.Error(),
		})
	}
	return found, nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	return DoValue(ctx, e.policy, "GetOrder "+symbol, func(ctx context.Context) (*ports.OrderResponse, error) {
		return e.inner.GetOrder(ctx, symbol, clientOrderID)
	})
}

func (e *Exchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	return DoValue(ctx, e.policy, "GetKlines "+symbol, func(ctx context.Context) ([]*domain.Kline, error) {
		return e.inner.GetKlines(ctx, symbol, interval, limit)
	})
}
