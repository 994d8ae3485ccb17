// Package binanceclient implements ports.ExchangeClient for the Binance spot market.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"

	maxKlinesPerRequest = 1000
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	spotClient *binance.Client
	logger     ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string // Overrides the production/testnet URL when set
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance spot client configured", map[string]interface{}{
		"baseURL": client.BaseURL, "testnet": cfg.UseTestnet,
	})

	return &Client{spotClient: client, logger: cfg.Logger}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		mappedErr := mapAPIError(apiErr)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		if errors.Is(mappedErr, ports.ErrTimestampOutOfSync) {
			c.resyncServerTime(ctx)
		}
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case isConnectionError(err):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

func mapAPIError(apiErr *common.APIError) error {
	switch apiErr.Code {
	case -1003, -1015: // Too many requests / too many orders
		return ports.ErrRateLimited
	case -1000, -1001, -1006: // Unknown / disconnected / unexpected response
		return ports.ErrExchangeUnavailable
	case -1007: // Backend timeout
		return ports.ErrTimeout
	case -1021: // Timestamp outside recvWindow
		return ports.ErrTimestampOutOfSync
	case -1022: // Signature for this request is not valid
		return ports.ErrAuthenticationFailed
	case -1121: // Invalid symbol
		return ports.ErrSymbolNotFound
	case -1013: // Filter failure (LOT_SIZE, NOTIONAL, ...)
		return ports.ErrOrderRejected
	case -2010: // New order rejected
		msg := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(msg, "insufficient balance"):
			return ports.ErrInsufficientFunds
		case strings.Contains(msg, "duplicate order"):
			return ports.ErrDuplicateOrder
		}
		return ports.ErrOrderRejected
	case -2013: // Order does not exist
		return ports.ErrNotFound
	case -2014, -2015: // API-key format invalid / invalid key, IP, or permissions
		return ports.ErrInvalidAPIKeys
	case -3005: // Insufficient balance
		return ports.ErrInsufficientFunds
	}
	if apiErr.Code <= -1100 && apiErr.Code >= -1199 { // Parameter/Request format errors
		return ports.ErrInvalidRequest
	}
	return ports.ErrUnknown
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "EOF")
}

// Ping checks connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.spotClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, "Ping")
	}
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	offset, err := c.spotClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"offsetMs": offset})
	return nil
}

// resyncServerTime refreshes the signing time offset after the exchange rejected a
// request's timestamp. The failed call is not retried; the next one uses the new offset.
func (c *Client) resyncServerTime(ctx context.Context) {
	offset, err := c.spotClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		c.logger.Warn(ctx, "Server time resync failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c.logger.Info(ctx, "Server time resynchronized after timestamp rejection", map[string]interface{}{"offsetMs": offset})
}

// GetPrice retrieves the last traded price for a symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetPrice"
	prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", p.Price, err), op)
		}
		return price, nil
	}
	return 0, fmt.Errorf("%s failed: %w: %s", op, ports.ErrSymbolNotFound, symbol)
}

// GetMarketRules retrieves lot-size and notional constraints from exchange info.
func (c *Client) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	op := "GetMarketRules"
	info, err := c.spotClient.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			rules, err := translateSymbolRules(s.Symbol, s.BaseAsset, s.QuoteAsset, s.Filters)
			if err != nil {
				return nil, c.handleError(ctx, err, op)
			}
			return rules, nil
		}
	}
	return nil, fmt.Errorf("%s failed: %w: %s", op, ports.ErrSymbolNotFound, symbol)
}

// GetAccountBalances returns free balances keyed by asset. Zero balances are omitted.
func (c *Client) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	op := "GetAccountBalances"
	account, err := c.spotClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	balances := make(map[string]float64, len(account.Balances))
	for _, b := range account.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse %s balance '%s': %w", b.Asset, b.Free, err), op)
		}
		if free > 0 {
			balances[b.Asset] = free
		}
	}
	return balances, nil
}

// PlaceMarketOrder places a market order and returns its fills.
func (c *Client) PlaceMarketOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	c.logger.Info(ctx, "Placing market order", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity, "clientOrderId": req.ClientOrderID,
	})

	svc := c.spotClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeMarket).
		Quantity(req.Quantity).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp, err := translateOrderResponse(order)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": resp.Symbol, "orderId": resp.OrderID, "status": resp.Status,
		"executedQty": resp.ExecutedQty, "avgPrice": resp.AvgPrice(),
	})
	return resp, nil
}

// GetOrder queries an order by the client order ID it was placed with.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	op := "GetOrder"
	order, err := c.spotClient.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	resp, err := translateOrder(order)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": resp.Symbol, "orderId": resp.OrderID, "clientOrderId": clientOrderID,
		"status": resp.Status, "executedQty": resp.ExecutedQty,
	})
	return resp, nil
}

// GetKlines retrieves the most recent klines, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.spotClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

// GetKlinesRange fetches all klines for a symbol/interval between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	var allKlines []*domain.Kline
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for cursor < endMs {
		batch, err := c.spotClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor).
			EndTime(endMs).
			Limit(maxKlinesPerRequest).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(batch) == 0 {
			break
		}
		for _, bk := range batch {
			dk, err := translateBinanceKline(bk, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			allKlines = append(allKlines, dk)
		}
		cursor = batch[len(batch)-1].CloseTime + 1
		if len(batch) < maxKlinesPerRequest {
			break
		}
	}
	return allKlines, nil
}

// --- Translation Helpers ---

func translateOrderResponse(order *binance.CreateOrderResponse) (*ports.OrderResponse, error) {
	if order == nil {
		return nil, errors.New("received nil order response")
	}
	execQty, err := parseFloat("executedQty", order.ExecutedQuantity)
	if err != nil {
		return nil, err
	}
	quoteQty, err := parseFloat("cummulativeQuoteQty", order.CummulativeQuoteQuantity)
	if err != nil {
		return nil, err
	}

	fills := make([]ports.Fill, 0, len(order.Fills))
	for _, f := range order.Fills {
		if f == nil {
			continue
		}
		price, err := parseFloat("fill price", f.Price)
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat("fill qty", f.Quantity)
		if err != nil {
			return nil, err
		}
		commission, err := parseFloat("commission", f.Commission)
		if err != nil {
			return nil, err
		}
		fills = append(fills, ports.Fill{Price: price, Quantity: qty, Commission: commission, CommissionAsset: f.CommissionAsset})
	}

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Status:        string(order.Status),
		ExecutedQty:   execQty,
		QuoteQty:      quoteQty,
		Fills:         fills,
		Timestamp:     time.UnixMilli(order.TransactTime),
	}, nil
}

// translateOrder converts a queried order. The query reports no individual fills, so
// AvgPrice falls back to quote/executed quantity.
func translateOrder(order *binance.Order) (*ports.OrderResponse, error) {
	if order == nil {
		return nil, errors.New("received nil order")
	}
	execQty, err := parseFloat("executedQty", order.ExecutedQuantity)
	if err != nil {
		return nil, err
	}
	quoteQty, err := parseFloat("cummulativeQuoteQty", order.CummulativeQuoteQuantity)
	if err != nil {
		return nil, err
	}
	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Status:        string(order.Status),
		ExecutedQty:   execQty,
		QuoteQty:      quoteQty,
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}, nil
}

// translateSymbolRules extracts LOT_SIZE and MIN_NOTIONAL/NOTIONAL filters.
func translateSymbolRules(symbol, base, quote string, filters []map[string]interface{}) (*domain.MarketRules, error) {
	rules := &domain.MarketRules{Symbol: symbol, BaseAsset: base, QuoteAsset: quote}
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			minQty, err := filterFloat(f, "minQty")
			if err != nil {
				return nil, err
			}
			step, err := filterFloat(f, "stepSize")
			if err != nil {
				return nil, err
			}
			rules.MinQty, rules.StepSize = minQty, step
		case "MIN_NOTIONAL", "NOTIONAL":
			minNotional, err := filterFloat(f, "minNotional")
			if err != nil {
				return nil, err
			}
			rules.MinNotional = max(rules.MinNotional, minNotional)
		}
	}
	if rules.StepSize <= 0 {
		return nil, fmt.Errorf("symbol %s has no LOT_SIZE filter", symbol)
	}
	return rules, nil
}

func filterFloat(f map[string]interface{}, key string) (float64, error) {
	switch v := f[key].(type) {
	case string:
		return parseFloat(key, v)
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("filter %v missing %s", f["filterType"], key)
	}
}

func translateBinanceKline(bk *binance.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := parseFloat("open price", bk.Open)
	if err != nil {
		return nil, err
	}
	high, err := parseFloat("high price", bk.High)
	if err != nil {
		return nil, err
	}
	low, err := parseFloat("low price", bk.Low)
	if err != nil {
		return nil, err
	}
	cls, err := parseFloat("close price", bk.Close)
	if err != nil {
		return nil, err
	}
	vol, err := parseFloat("volume", bk.Volume)
	if err != nil {
		return nil, err
	}
	quoteVol, _ := strconv.ParseFloat(bk.QuoteAssetVolume, 64)

	return &domain.Kline{
		OpenTime:    time.UnixMilli(bk.OpenTime),
		CloseTime:   time.UnixMilli(bk.CloseTime),
		Symbol:      symbol,
		Interval:    interval,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       cls,
		Volume:      vol,
		QuoteVolume: quoteVol,
	}, nil
}

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s '%s': %w", field, s, err)
	}
	return v, nil
}
