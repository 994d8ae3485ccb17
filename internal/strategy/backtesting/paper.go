package backtesting

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

// PaperExchange is an in-memory single-symbol spot exchange over historical candles.
// Market orders fill completely at the close of the current candle, with the fee charged
// in the quote asset.
type PaperExchange struct {
	rules    domain.MarketRules
	klines   []*domain.Kline
	cursor   int
	balances map[string]float64
	feeRate  float64
	nextID   int64
	orders   map[string]*ports.OrderResponse // By client order ID
}

// NewPaperExchange funds the quote asset with initialFunds and positions the cursor on
// the first candle.
func NewPaperExchange(rules domain.MarketRules, klines []*domain.Kline, initialFunds, feeRate float64) *PaperExchange {
	return &PaperExchange{
		rules:    rules,
		klines:   klines,
		balances: map[string]float64{rules.QuoteAsset: initialFunds},
		feeRate:  feeRate,
		orders:   make(map[string]*ports.OrderResponse),
	}
}

// Seek moves the cursor to candle i.
func (p *PaperExchange) Seek(i int) {
	p.cursor = max(0, min(i, len(p.klines)-1))
}

// Current returns the candle under the cursor.
func (p *PaperExchange) Current() *domain.Kline {
	return p.klines[p.cursor]
}

// Equity values all holdings in the quote asset at the current close.
func (p *PaperExchange) Equity() float64 {
	return p.balances[p.rules.QuoteAsset] + p.balances[p.rules.BaseAsset]*p.Current().Close
}

func (p *PaperExchange) Ping(ctx context.Context) error          { return nil }
func (p *PaperExchange) SetServerTime(ctx context.Context) error { return nil }

func (p *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := p.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return p.Current().Close, nil
}

func (p *PaperExchange) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	if err := p.checkSymbol(symbol); err != nil {
		return nil, err
	}
	rules := p.rules
	return &rules, nil
}

func (p *PaperExchange) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(p.balances))
	for asset, free := range p.balances {
		if free > 0 {
			out[asset] = free
		}
	}
	return out, nil
}

func (p *PaperExchange) PlaceMarketOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	if err := p.checkSymbol(req.Symbol); err != nil {
		return nil, err
	}
	qty, err := strconv.ParseFloat(req.Quantity, 64)
	if err != nil || qty <= 0 {
		return nil, fmt.Errorf("%w: invalid quantity %q", ports.ErrInvalidRequest, req.Quantity)
	}
	k := p.Current()
	price := k.Close
	notional := qty * price
	fee := notional * p.feeRate
	base, quote := p.rules.BaseAsset, p.rules.QuoteAsset

	switch req.Side {
	case domain.Buy:
		if notional+fee > p.balances[quote] {
			return nil, fmt.Errorf("%w: need %.8f %s, have %.8f", ports.ErrInsufficientFunds, notional+fee, quote, p.balances[quote])
		}
		p.balances[base] += qty
		p.balances[quote] -= notional + fee
	case domain.Sell:
		if qty > p.balances[base]+1e-12 {
			return nil, fmt.Errorf("%w: need %.8f %s, have %.8f", ports.ErrInsufficientFunds, qty, base, p.balances[base])
		}
		p.balances[base] = max(0, p.balances[base]-qty)
		p.balances[quote] += notional - fee
	default:
		return nil, fmt.Errorf("%w: unknown side %q", ports.ErrInvalidRequest, req.Side)
	}

	p.nextID++
	resp := &ports.OrderResponse{
		OrderID:       p.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Status:        "FILLED",
		ExecutedQty:   qty,
		QuoteQty:      notional,
		Fills:         []ports.Fill{{Price: price, Quantity: qty, Commission: fee, CommissionAsset: quote}},
		Timestamp:     k.CloseTime,
	}
	if req.ClientOrderID != "" {
		p.orders[req.ClientOrderID] = resp
	}
	return resp, nil
}

func (p *PaperExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	if err := p.checkSymbol(symbol); err != nil {
		return nil, err
	}
	resp, ok := p.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ports.ErrNotFound, clientOrderID)
	}
	return resp, nil
}

// GetKlines returns up to limit candles ending with the current one.
func (p *PaperExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	if err := p.checkSymbol(symbol); err != nil {
		return nil, err
	}
	end := p.cursor + 1
	start := max(0, end-limit)
	return append([]*domain.Kline(nil), p.klines[start:end]...), nil
}

func (p *PaperExchange) checkSymbol(symbol string) error {
	if symbol != p.rules.Symbol {
		return fmt.Errorf("%w: %s", ports.ErrSymbolNotFound, symbol)
	}
	return nil
}

// memoryJournal keeps journaled trades in memory.
type memoryJournal struct {
	records []*domain.TradeRecord
}

func (m *memoryJournal) SaveTrade(ctx context.Context, rec *domain.TradeRecord) (int64, error) {
	cp := *rec
	cp.ID = int64(len(m.records) + 1)
	m.records = append(m.records, &cp)
	return cp.ID, nil
}

func (m *memoryJournal) RecentTrades(ctx context.Context, symbol string, limit int) ([]*domain.TradeRecord, error) {
	var out []*domain.TradeRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || m.records[i].Symbol == symbol {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *memoryJournal) LastBuy(ctx context.Context, symbol string) (*domain.TradeRecord, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if r := m.records[i]; r.Symbol == symbol && r.Side == domain.Buy {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memoryJournal) ClosedTrades(ctx context.Context) ([]*domain.TradeRecord, error) {
	var out []*domain.TradeRecord
	for _, r := range m.records {
		if r.IsClosing() {
			out = append(out, r)
		}
	}
	return out, nil
}

type memoryStore struct{}

func (memoryStore) Load(ctx context.Context) (map[string]time.Time, error) {
	return map[string]time.Time{}, nil
}
func (memoryStore) Save(ctx context.Context, lastTrades map[string]time.Time) error { return nil }

// alertLog counts alerts by category instead of delivering them.
type alertLog map[ports.AlertCategory]int

func (a alertLog) SendAlert(ctx context.Context, category ports.AlertCategory, message string) error {
	a[category]++
	return nil
}

var (
	_ ports.ExchangeClient = (*PaperExchange)(nil)
	_ ports.TradeJournal   = (*memoryJournal)(nil)
	_ ports.LastTradeStore = memoryStore{}
	_ ports.Alerter        = alertLog(nil)
)
