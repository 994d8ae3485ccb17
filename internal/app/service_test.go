package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ledger"
	"cryptoSpotBot/internal/market"
	"cryptoSpotBot/internal/ports"
	"cryptoSpotBot/internal/retry"
	"cryptoSpotBot/internal/risk"
	"cryptoSpotBot/internal/sizing"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockExchange struct {
	clock       clock.Clock
	pingErr     error
	prices      map[string]float64
	priceErr    map[string]error
	rules       map[string]*domain.MarketRules
	balances    map[string]float64
	balancesErr error
	klinesErr   map[string]error
	klineCalls  map[string]int
	onKlines    func(symbol string)
	orders      []ports.OrderRequest
	orderCtxErr []error
	placed      map[string]*ports.OrderResponse
	lostReplies int // Orders that fill but whose response times out
	orderErr    error
	nextOrderID int64
}

func newMockExchange(clk clock.Clock) *mockExchange {
	return &mockExchange{
		clock:      clk,
		prices:     map[string]float64{},
		priceErr:   map[string]error{},
		rules:      map[string]*domain.MarketRules{},
		balances:   map[string]float64{},
		klinesErr:  map[string]error{},
		klineCalls: map[string]int{},
		placed:     map[string]*ports.OrderResponse{},
	}
}

func (m *mockExchange) Ping(ctx context.Context) error          { return m.pingErr }
func (m *mockExchange) SetServerTime(ctx context.Context) error { return nil }

func (m *mockExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := m.priceErr[symbol]; err != nil {
		return 0, err
	}
	p, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("GetPrice failed: %w", ports.ErrSymbolNotFound)
	}
	return p, nil
}

func (m *mockExchange) GetMarketRules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	r, ok := m.rules[symbol]
	if !ok {
		return nil, fmt.Errorf("GetMarketRules failed: %w", ports.ErrSymbolNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *mockExchange) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	if m.balancesErr != nil {
		return nil, m.balancesErr
	}
	out := make(map[string]float64, len(m.balances))
	for k, v := range m.balances {
		if v > 0 {
			out[k] = v
		}
	}
	return out, nil
}

// PlaceMarketOrder fills completely at the current price and moves the balances.
func (m *mockExchange) PlaceMarketOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	m.orderCtxErr = append(m.orderCtxErr, ctx.Err())
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	if _, dup := m.placed[req.ClientOrderID]; dup {
		return nil, fmt.Errorf("PlaceMarketOrder failed: %w", ports.ErrDuplicateOrder)
	}
	m.orders = append(m.orders, req)
	qty, err := strconv.ParseFloat(req.Quantity, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad quantity %q", ports.ErrInvalidRequest, req.Quantity)
	}
	price := m.prices[req.Symbol]
	base, quote := market.SplitSymbol(req.Symbol)
	if req.Side == domain.Buy {
		m.balances[base] += qty
		m.balances[quote] -= qty * price
	} else {
		m.balances[base] -= qty
		m.balances[quote] += qty * price
	}
	m.nextOrderID++
	resp := &ports.OrderResponse{
		OrderID:       m.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Status:        "FILLED",
		ExecutedQty:   qty,
		QuoteQty:      qty * price,
		Fills:         []ports.Fill{{Price: price, Quantity: qty}},
	}
	m.placed[req.ClientOrderID] = resp
	if m.lostReplies > 0 {
		m.lostReplies--
		return nil, fmt.Errorf("PlaceMarketOrder failed: %w", ports.ErrTimeout)
	}
	return resp, nil
}

func (m *mockExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*ports.OrderResponse, error) {
	resp, ok := m.placed[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("GetOrder failed: %w", ports.ErrNotFound)
	}
	return resp, nil
}

// GetKlines returns 30 closed hourly candles plus one still-open candle.
func (m *mockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	m.klineCalls[symbol]++
	if m.onKlines != nil {
		m.onKlines(symbol)
	}
	if err := m.klinesErr[symbol]; err != nil {
		return nil, err
	}
	now := m.clock.Now().Truncate(time.Hour)
	out := make([]*domain.Kline, 0, 31)
	for i := 30; i >= 0; i-- {
		open := now.Add(-time.Duration(i) * time.Hour)
		out = append(out, &domain.Kline{
			Symbol: symbol, Interval: interval, OpenTime: open, CloseTime: open.Add(time.Hour - time.Millisecond),
			Close: m.prices[symbol], Volume: 100,
		})
	}
	return out, nil
}

type mockStrategy struct {
	signals map[string]domain.Signal
	seen    map[string]int
	panicOn string
}

func (m *mockStrategy) Name() string            { return "mock" }
func (m *mockStrategy) RequiredDataPoints() int { return 20 }

func (m *mockStrategy) GenerateSignal(ctx context.Context, klines []*domain.Kline) domain.Signal {
	symbol := klines[0].Symbol
	m.seen[symbol] = len(klines)
	if symbol == m.panicOn {
		panic("indicator blew up")
	}
	if s, ok := m.signals[symbol]; ok {
		return s
	}
	return domain.SignalHold
}

type mockJournal struct {
	records []*domain.TradeRecord
}

func (m *mockJournal) SaveTrade(ctx context.Context, rec *domain.TradeRecord) (int64, error) {
	cp := *rec
	cp.ID = int64(len(m.records) + 1)
	m.records = append(m.records, &cp)
	rec.ID = cp.ID
	return cp.ID, nil
}

func (m *mockJournal) RecentTrades(ctx context.Context, symbol string, limit int) ([]*domain.TradeRecord, error) {
	var out []*domain.TradeRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || m.records[i].Symbol == symbol {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *mockJournal) LastBuy(ctx context.Context, symbol string) (*domain.TradeRecord, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if r := m.records[i]; r.Symbol == symbol && r.Side == domain.Buy {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockJournal) ClosedTrades(ctx context.Context) ([]*domain.TradeRecord, error) {
	var out []*domain.TradeRecord
	for _, r := range m.records {
		if r.IsClosing() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockJournal) last() *domain.TradeRecord {
	if len(m.records) == 0 {
		return nil
	}
	return m.records[len(m.records)-1]
}

type mockStore struct {
	loaded map[string]time.Time
	saved  map[string]time.Time
	saves  int
}

func (m *mockStore) Load(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(m.loaded))
	for k, v := range m.loaded {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) Save(ctx context.Context, lastTrades map[string]time.Time) error {
	m.saves++
	m.saved = make(map[string]time.Time, len(lastTrades))
	for k, v := range lastTrades {
		m.saved[k] = v
	}
	return nil
}

type sentAlert struct {
	category ports.AlertCategory
	message  string
}

type mockAlerter struct {
	sent []sentAlert
}

func (m *mockAlerter) SendAlert(ctx context.Context, category ports.AlertCategory, message string) error {
	m.sent = append(m.sent, sentAlert{category, message})
	return nil
}

func (m *mockAlerter) count(category ports.AlertCategory) int {
	n := 0
	for _, a := range m.sent {
		if a.category == category {
			n++
		}
	}
	return n
}

func (m *mockAlerter) containing(substr string) int {
	n := 0
	for _, a := range m.sent {
		if strings.Contains(a.message, substr) {
			n++
		}
	}
	return n
}

type mockMetrics struct {
	counts map[string]int
}

func (m *mockMetrics) OrderPlaced(symbol, side string) { m.counts["placed:"+symbol+":"+side]++ }
func (m *mockMetrics) OrderFailed(symbol, kind string) { m.counts["failed:"+symbol+":"+kind]++ }
func (m *mockMetrics) Decision(symbol, signal string)  { m.counts["decision:"+symbol+":"+signal]++ }
func (m *mockMetrics) TradeClosed(result, reason string) {
	m.counts["closed:"+result+":"+reason]++
}
func (m *mockMetrics) Equity(balance float64) {}
func (m *mockMetrics) OpenPositions(n int)    {}

var testStart = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

type harness struct {
	svc     *TradingService
	ex      *mockExchange
	strat   *mockStrategy
	journal *mockJournal
	store   *mockStore
	alerts  *mockAlerter
	metrics *mockMetrics
	clock   *clock.Fake
	ledger  *ledger.Ledger
	risk    *risk.RiskManager
}

type harnessOpts struct {
	cfg     func(*Config)
	riskCfg func(*risk.RiskConfig)
	journal []*domain.TradeRecord
	guard   map[string]time.Time
	wrap    func(ports.ExchangeClient) ports.ExchangeClient
}

func newHarness(t *testing.T, setup func(ex *mockExchange), opts harnessOpts) *harness {
	t.Helper()
	clk := clock.NewFake(testStart)
	log := &mockLogger{}
	ex := newMockExchange(clk)
	ex.rules["ETHUSDT"] = &domain.MarketRules{Symbol: "ETHUSDT", MinQty: 0.0001, StepSize: 0.0001, MinNotional: 5, BaseAsset: "ETH", QuoteAsset: "USDT"}
	ex.rules["BNBUSDT"] = &domain.MarketRules{Symbol: "BNBUSDT", MinQty: 0.001, StepSize: 0.001, MinNotional: 5, BaseAsset: "BNB", QuoteAsset: "USDT"}
	ex.rules["SOLUSDT"] = &domain.MarketRules{Symbol: "SOLUSDT", MinQty: 0.01, StepSize: 0.01, MinNotional: 10, BaseAsset: "SOL", QuoteAsset: "USDT"}
	ex.rules["XRPUSDT"] = &domain.MarketRules{Symbol: "XRPUSDT", MinQty: 1, StepSize: 1, MinNotional: 10, BaseAsset: "XRP", QuoteAsset: "USDT"}
	ex.prices["ETHUSDT"] = 2000
	ex.balances["USDT"] = 1000
	if setup != nil {
		setup(ex)
	}

	rcfg := risk.RiskConfig{MaxDailyTrades: 10, MaxDrawdownPct: 0.1, Clock: clk, Logger: log}
	if opts.riskCfg != nil {
		opts.riskCfg(&rcfg)
	}
	rm, err := risk.NewRiskManager(rcfg)
	require.NoError(t, err)
	sz, err := sizing.New(sizing.Config{RiskPerTrade: 0.02, MaxPositionPct: 0.1})
	require.NoError(t, err)
	lg := ledger.New(ledger.Config{Clock: clk, Logger: log})

	h := &harness{
		ex:      ex,
		strat:   &mockStrategy{signals: map[string]domain.Signal{}, seen: map[string]int{}},
		journal: &mockJournal{records: opts.journal},
		store:   &mockStore{loaded: opts.guard},
		alerts:  &mockAlerter{},
		metrics: &mockMetrics{counts: map[string]int{}},
		clock:   clk,
		ledger:  lg,
		risk:    rm,
	}

	cfg := Config{
		Symbols:       []string{"ETHUSDT"},
		TickInterval:  time.Hour,
		StopLossPct:   0.05,
		TakeProfitPct: 0.1,
		FeeRate:       0.001,
		Version:       "test",
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}
	var exchange ports.ExchangeClient = ex
	if opts.wrap != nil {
		exchange = opts.wrap(ex)
	}
	h.svc, err = NewTradingService(cfg, Dependencies{
		Exchange:   exchange,
		Strategy:   h.strat,
		Risk:       rm,
		Sizer:      sz,
		Ledger:     lg,
		Rules:      market.NewRulesCache(ex, log),
		Journal:    h.journal,
		LastTrades: h.store,
		Alerter:    h.alerts,
		Metrics:    h.metrics,
		Clock:      clk,
		Logger:     log,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Initialize(context.Background()))
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Tick(context.Background()))
}

func boughtAt(symbol string, price, qty float64, at time.Time) *domain.TradeRecord {
	return &domain.TradeRecord{Timestamp: at, Symbol: symbol, Side: domain.Buy, Quantity: qty, Price: price, EntryPrice: price}
}

func TestNewTradingService_Validation(t *testing.T) {
	log := &mockLogger{}
	_, err := NewTradingService(Config{Symbols: []string{"ETHUSDT"}}, Dependencies{Logger: log})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	tests := []struct {
		name string
		cfg  func(*Config)
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"no tick interval", func(c *Config) { c.TickInterval = 0 }},
		{"stop loss out of range", func(c *Config) { c.StopLossPct = 1.5 }},
		{"no take profit", func(c *Config) { c.TakeProfitPct = 0 }},
		{"emergency below stop loss", func(c *Config) { c.EmergencyDrawdownPct = 0.01 }},
		{"negative fee", func(c *Config) { c.FeeRate = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(testStart)
			rm, err := risk.NewRiskManager(risk.RiskConfig{MaxDailyTrades: 1, MaxDrawdownPct: 0.1, Clock: clk, Logger: log})
			require.NoError(t, err)
			sz, err := sizing.New(sizing.Config{RiskPerTrade: 0.01})
			require.NoError(t, err)
			ex := newMockExchange(clk)

			cfg := Config{Symbols: []string{"ETHUSDT"}, TickInterval: time.Hour, StopLossPct: 0.05, TakeProfitPct: 0.1}
			tt.cfg(&cfg)
			_, err = NewTradingService(cfg, Dependencies{
				Exchange: ex, Strategy: &mockStrategy{}, Risk: rm, Sizer: sz,
				Ledger: ledger.New(ledger.Config{Logger: log}), Rules: market.NewRulesCache(ex, log),
				LastTrades: &mockStore{}, Alerter: &mockAlerter{}, Metrics: &mockMetrics{}, Logger: log,
			})
			assert.ErrorIs(t, err, ports.ErrConfigurationError)
		})
	}
}

func TestInitialize_ApprovesSymbolsAndAdoptsPositions(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.prices["BNBUSDT"] = 300
		ex.priceErr["BADUSDT"] = fmt.Errorf("GetPrice failed: %w", ports.ErrSymbolNotFound)
		ex.balances["ETH"] = 0.5
	}, harnessOpts{
		cfg:     func(c *Config) { c.Symbols = []string{"ethusdt", "BADUSDT", "BNBUSDT"} },
		journal: []*domain.TradeRecord{boughtAt("ETHUSDT", 1950, 0.5, testStart.Add(-48*time.Hour))},
		guard:   map[string]time.Time{"BNBUSDT": testStart.Add(-time.Hour)},
	})
	h.init(t)

	assert.Equal(t, []string{"ETHUSDT", "BNBUSDT"}, h.svc.Symbols())

	pos, ok := h.ledger.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.5, pos.Quantity)
	assert.Equal(t, 1950.0, pos.EntryPrice, "entry seeded from the journal's last buy")
	assert.False(t, h.ledger.Has("BNBUSDT"))

	// BNB is still inside the repeat-trade guard loaded from disk.
	h.tick(t)
	assert.Zero(t, h.ex.klineCalls["BNBUSDT"])
	assert.Equal(t, 1, h.ex.klineCalls["ETHUSDT"])
}

func TestInitialize_Failures(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.pingErr = ports.ErrConnectionFailed }, harnessOpts{})
	assert.ErrorIs(t, h.svc.Initialize(context.Background()), ports.ErrConnectionFailed)

	h = newHarness(t, func(ex *mockExchange) { delete(ex.prices, "ETHUSDT") }, harnessOpts{})
	assert.ErrorIs(t, h.svc.Initialize(context.Background()), ports.ErrConfigurationError)
}

func TestTick_BuySignalOpensPosition(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{})
	h.strat.signals["ETHUSDT"] = domain.SignalBuy
	h.init(t)
	h.tick(t)

	require.Len(t, h.ex.orders, 1)
	o := h.ex.orders[0]
	assert.Equal(t, domain.Buy, o.Side)
	assert.Equal(t, "0.0100", o.Quantity)
	assert.NotEmpty(t, o.ClientOrderID)
	assert.Equal(t, 30, h.strat.seen["ETHUSDT"], "the still-open candle is dropped")

	pos, ok := h.ledger.Get("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.01, pos.Quantity)
	assert.Equal(t, 2000.0, pos.EntryPrice)

	assert.Equal(t, testStart, h.store.saved["ETHUSDT"])
	require.NotNil(t, h.journal.last())
	assert.Equal(t, domain.Buy, h.journal.last().Side)
	assert.Equal(t, 1, h.alerts.count(ports.AlertBuy))
	assert.Equal(t, 1, h.metrics.counts["placed:ETHUSDT:BUY"])
	assert.Equal(t, 1, h.risk.Snapshot().DailyTrades)

	// The repeat-trade guard blocks the symbol until 24h have passed.
	h.clock.Advance(23 * time.Hour)
	h.tick(t)
	assert.Equal(t, 1, h.ex.klineCalls["ETHUSDT"])
	h.clock.Advance(time.Hour)
	h.tick(t)
	assert.Equal(t, 2, h.ex.klineCalls["ETHUSDT"])
	assert.Len(t, h.ex.orders, 1, "no buy while a position is open")
}

func TestTick_LostOrderReplyIsRecoveredByClientID(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.lostReplies = 1 }, harnessOpts{
		wrap: func(inner ports.ExchangeClient) ports.ExchangeClient {
			return retry.NewExchange(inner, retry.Policy{Attempts: 3})
		},
	})
	h.strat.signals["ETHUSDT"] = domain.SignalBuy
	h.init(t)
	h.tick(t)

	require.Len(t, h.ex.orders, 1, "the retry is refused as a duplicate")
	pos, ok := h.ledger.Get("ETHUSDT")
	require.True(t, ok, "the filled order is tracked")
	assert.Equal(t, 0.01, pos.Quantity)
	assert.Equal(t, 1, h.risk.Snapshot().DailyTrades)
	assert.Equal(t, testStart, h.store.saved["ETHUSDT"])
	assert.Zero(t, h.metrics.counts["failed:ETHUSDT:rejected"])

	h.clock.Advance(24 * time.Hour)
	h.tick(t)
	assert.Len(t, h.ex.orders, 1, "no second buy for the same signal")
}

func TestTick_RiskGateBlocksSecondBuy(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.prices["BNBUSDT"] = 300 }, harnessOpts{
		cfg:     func(c *Config) { c.Symbols = []string{"ETHUSDT", "BNBUSDT"} },
		riskCfg: func(r *risk.RiskConfig) { r.MaxDailyTrades = 1 },
	})
	h.strat.signals["ETHUSDT"] = domain.SignalBuy
	h.strat.signals["BNBUSDT"] = domain.SignalBuy
	h.init(t)
	h.tick(t)

	require.Len(t, h.ex.orders, 1)
	assert.Equal(t, "ETHUSDT", h.ex.orders[0].Symbol)
	assert.False(t, h.ledger.Has("BNBUSDT"))
	assert.Zero(t, h.alerts.count(ports.AlertRisk))
}

func TestTick_ValidationFailureSkipsWithoutAlert(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.balances["USDT"] = 3 }, harnessOpts{})
	h.strat.signals["ETHUSDT"] = domain.SignalBuy
	h.init(t)
	h.tick(t)

	assert.Empty(t, h.ex.orders)
	assert.Equal(t, 1, h.metrics.counts["failed:ETHUSDT:validation"])
	assert.Zero(t, h.alerts.count(ports.AlertRisk))
	assert.Empty(t, h.store.saved)
}

func TestTick_StopLossBypassesMinimums(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.prices["SOLUSDT"] = 100
		ex.balances["SOL"] = 0.05
		ex.balances["USDT"] = 100
	}, harnessOpts{
		cfg:     func(c *Config) { c.Symbols = []string{"SOLUSDT"} },
		journal: []*domain.TradeRecord{boughtAt("SOLUSDT", 100, 0.05, testStart.Add(-2*time.Hour))},
	})
	h.init(t)
	require.True(t, h.ledger.Has("SOLUSDT"))

	// Remaining notional 0.05*90 = $4.50 is below the $10 minimum, yet the stop must fire.
	h.ex.prices["SOLUSDT"] = 90
	h.tick(t)

	require.Len(t, h.ex.orders, 1)
	assert.Equal(t, domain.Sell, h.ex.orders[0].Side)
	assert.Equal(t, "0.04", h.ex.orders[0].Quantity)
	assert.Equal(t, 1, h.alerts.count(ports.AlertStopLoss))

	rec := h.journal.last()
	require.NotNil(t, rec)
	assert.Equal(t, domain.CloseReasonStopLoss, rec.Reason)
	assert.InDelta(t, -0.4, rec.PnLUSD, 1e-9)
	assert.False(t, rec.IsWin)
	assert.Equal(t, 1, h.risk.Snapshot().LosingTrades)
	assert.Equal(t, 1, h.metrics.counts["closed:loss:SL"])

	// The 0.01 SOL residual ($0.90) is dust and dropped without an order.
	assert.False(t, h.ledger.Has("SOLUSDT"))
	assert.Equal(t, 1, h.alerts.containing("dust removed"))
}

func TestTick_StrandedPositionStillStopsOut(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.prices["SOLUSDT"] = 100
		ex.balances["SOL"] = 0.05
		ex.balances["USDT"] = 100
	}, harnessOpts{
		cfg:     func(c *Config) { c.Symbols = []string{"SOLUSDT"} },
		journal: []*domain.TradeRecord{boughtAt("SOLUSDT", 100, 0.05, testStart.Add(-2*time.Hour))},
	})
	h.init(t)

	h.ex.prices["SOLUSDT"] = 120
	h.tick(t)
	pos, ok := h.ledger.Get("SOLUSDT")
	require.True(t, ok)
	require.True(t, pos.Stranded)
	require.Empty(t, h.ex.orders)

	// -20% against a 5% stop: $4 of value is above the $2 dust floor, so only the stop can exit.
	h.clock.Advance(time.Hour)
	h.ex.prices["SOLUSDT"] = 80
	h.tick(t)

	require.Len(t, h.ex.orders, 1)
	assert.Equal(t, domain.Sell, h.ex.orders[0].Side)
	assert.Equal(t, "0.04", h.ex.orders[0].Quantity)
	assert.Equal(t, domain.CloseReasonStopLoss, h.journal.last().Reason)
	assert.Equal(t, 1, h.alerts.count(ports.AlertStopLoss))
	assert.False(t, h.ledger.Has("SOLUSDT"), "the residual is dropped as dust")
}

func TestTick_StrandedAlertNotRepeated(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.prices["SOLUSDT"] = 100
		ex.balances["SOL"] = 0.09
	}, harnessOpts{
		cfg:     func(c *Config) { c.Symbols = []string{"SOLUSDT"} },
		journal: []*domain.TradeRecord{boughtAt("SOLUSDT", 100, 0.09, testStart.Add(-2*time.Hour))},
	})
	h.init(t)

	// $9.99 is recoverable (>= 80% of $10) but the sized sell of 0.08 is only $8.88.
	h.ex.prices["SOLUSDT"] = 111
	for i := 0; i < 5; i++ {
		h.tick(t)
		h.clock.Advance(time.Hour)
	}

	assert.Empty(t, h.ex.orders)
	assert.Equal(t, 1, h.alerts.containing("position stranded"))
	assert.Equal(t, 1, h.metrics.counts["failed:SOLUSDT:validation"])
	pos, ok := h.ledger.Get("SOLUSDT")
	require.True(t, ok)
	assert.True(t, pos.Stranded)
}

func TestTick_TakeProfitStrandsThenRecovers(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.prices["SOLUSDT"] = 100
		ex.balances["SOL"] = 0.05
	}, harnessOpts{
		cfg:     func(c *Config) { c.Symbols = []string{"SOLUSDT"} },
		journal: []*domain.TradeRecord{boughtAt("SOLUSDT", 100, 0.05, testStart.Add(-2*time.Hour))},
	})
	h.init(t)

	// +20% triggers take profit, but 0.04*120 = $4.80 cannot clear the minimum.
	h.ex.prices["SOLUSDT"] = 120
	h.tick(t)
	assert.Empty(t, h.ex.orders)
	pos, ok := h.ledger.Get("SOLUSDT")
	require.True(t, ok)
	assert.True(t, pos.Stranded)
	assert.Equal(t, 1, h.alerts.containing("position stranded"))
	assert.Equal(t, 1, h.metrics.counts["failed:SOLUSDT:validation"])

	// Value recovers above 80% of the minimum: the parked position is closed normally.
	h.clock.Advance(time.Hour)
	h.ex.prices["SOLUSDT"] = 260
	h.tick(t)
	require.Len(t, h.ex.orders, 1)
	assert.Equal(t, "0.04", h.ex.orders[0].Quantity)
	assert.Equal(t, domain.CloseReasonRecovered, h.journal.last().Reason)
	pos, ok = h.ledger.Get("SOLUSDT")
	require.True(t, ok)
	assert.True(t, pos.Dust, "sub-minimum residual after the sell becomes dust")
	assert.False(t, pos.Stranded)

	// Next tick the $2.60 dust residual is liquidated and dropped.
	h.clock.Advance(time.Hour)
	h.tick(t)
	require.Len(t, h.ex.orders, 2)
	assert.Equal(t, "0.01", h.ex.orders[1].Quantity)
	assert.Equal(t, domain.CloseReasonDust, h.journal.last().Reason)
	assert.False(t, h.ledger.Has("SOLUSDT"))
	assert.Equal(t, 1, h.risk.Snapshot().TotalTrades, "dust liquidation is not a risk-counted trade")
}

func TestTick_EmergencyLiquidation(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.prices["SOLUSDT"] = 100
		ex.balances["SOL"] = 1
	}, harnessOpts{
		cfg:     func(c *Config) { c.Symbols = []string{"SOLUSDT"} },
		journal: []*domain.TradeRecord{boughtAt("SOLUSDT", 100, 1, testStart.Add(-2*time.Hour))},
	})
	h.init(t)

	h.ex.prices["SOLUSDT"] = 40
	h.tick(t)

	require.Len(t, h.ex.orders, 1)
	assert.Equal(t, "1.00", h.ex.orders[0].Quantity)
	assert.Equal(t, domain.CloseReasonEmergency, h.journal.last().Reason)
	assert.Equal(t, 1, h.alerts.containing("emergency liquidation"))
	assert.Zero(t, h.alerts.count(ports.AlertStopLoss))
	assert.False(t, h.ledger.Has("SOLUSDT"))
}

func TestTick_SellSignalClosesPosition(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.balances["ETH"] = 0.1 }, harnessOpts{
		journal: []*domain.TradeRecord{boughtAt("ETHUSDT", 1990, 0.1, testStart.Add(-48*time.Hour))},
	})
	h.strat.signals["ETHUSDT"] = domain.SignalSell
	h.init(t)
	h.tick(t)

	require.Len(t, h.ex.orders, 1)
	assert.Equal(t, domain.Sell, h.ex.orders[0].Side)
	assert.Equal(t, "0.0999", h.ex.orders[0].Quantity)
	assert.Equal(t, domain.CloseReasonSignal, h.journal.last().Reason)
	assert.True(t, h.journal.last().IsWin)
	assert.Equal(t, 1, h.alerts.count(ports.AlertSell))
}

func TestTick_DustScenario(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.prices["XRPUSDT"] = 0.40
		ex.balances["XRP"] = 2
	}, harnessOpts{cfg: func(c *Config) { c.Symbols = []string{"XRPUSDT"} }})
	h.init(t)
	require.True(t, h.ledger.Has("XRPUSDT"))

	h.tick(t)
	assert.Empty(t, h.ex.orders, "$0.80 is below the $1 liquidation floor")
	assert.False(t, h.ledger.Has("XRPUSDT"))
	assert.Equal(t, 1, h.alerts.containing("dust removed"))
}

func TestTick_ReconcileRemovesPhantom(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.balances["ETH"] = 0.5 }, harnessOpts{})
	h.init(t)
	require.True(t, h.ledger.Has("ETHUSDT"))

	h.ex.balances["ETH"] = 0
	h.tick(t)
	assert.False(t, h.ledger.Has("ETHUSDT"))
	assert.Empty(t, h.ex.orders)
}

func TestTick_TransientErrorAlertsOncePerCooldown(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) {
		ex.klinesErr["ETHUSDT"] = fmt.Errorf("GetKlines: giving up after 3 attempts: %w", ports.ErrTimeout)
	}, harnessOpts{})
	h.init(t)

	h.tick(t)
	h.clock.Advance(10 * time.Minute)
	h.tick(t)
	assert.Equal(t, 1, h.alerts.count(ports.AlertRisk))
	assert.Equal(t, 2, h.metrics.counts["failed:ETHUSDT:transient"])

	h.clock.Advance(21 * time.Minute)
	h.tick(t)
	assert.Equal(t, 2, h.alerts.count(ports.AlertRisk))
}

func TestTick_PanicIsContainedToSymbol(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.prices["BNBUSDT"] = 300 }, harnessOpts{
		cfg: func(c *Config) { c.Symbols = []string{"BNBUSDT", "ETHUSDT"} },
	})
	h.strat.panicOn = "BNBUSDT"
	h.strat.signals["ETHUSDT"] = domain.SignalBuy
	h.init(t)
	h.tick(t)

	require.Len(t, h.ex.orders, 1)
	assert.Equal(t, "ETHUSDT", h.ex.orders[0].Symbol)
	assert.Equal(t, 1, h.metrics.counts["failed:BNBUSDT:fatal"])
	assert.Equal(t, 1, h.alerts.containing("panic"))
}

func TestTick_ShutdownFinishesCurrentSymbol(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.prices["BNBUSDT"] = 300 }, harnessOpts{
		cfg: func(c *Config) { c.Symbols = []string{"ETHUSDT", "BNBUSDT"} },
	})
	h.strat.signals["ETHUSDT"] = domain.SignalBuy
	h.strat.signals["BNBUSDT"] = domain.SignalBuy
	h.init(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ex.onKlines = func(symbol string) {
		if symbol == "ETHUSDT" {
			cancel()
		}
	}
	require.NoError(t, h.svc.Tick(ctx))

	require.Len(t, h.ex.orders, 1, "the interrupted symbol still places its order")
	assert.Equal(t, "ETHUSDT", h.ex.orders[0].Symbol)
	assert.NoError(t, h.ex.orderCtxErr[0], "the order is sent with a live context")
	assert.True(t, h.ledger.Has("ETHUSDT"))
	assert.Zero(t, h.ex.klineCalls["BNBUSDT"], "no new symbol is started after shutdown")
}

func TestTick_CredentialFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{})
	h.init(t)

	h.ex.balancesErr = fmt.Errorf("GetAccountBalances failed: %w", ports.ErrInvalidAPIKeys)
	err := h.svc.Tick(context.Background())
	assert.ErrorIs(t, err, ports.ErrFatal)

	h.ex.balancesErr = fmt.Errorf("GetAccountBalances failed: %w", ports.ErrExchangeUnavailable)
	assert.NoError(t, h.svc.Tick(context.Background()))
	assert.Equal(t, 1, h.alerts.count(ports.AlertRisk))
}

func TestTick_Heartbeat(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{cfg: func(c *Config) { c.HeartbeatEvery = 2 }})
	h.init(t)
	h.tick(t)
	assert.Zero(t, h.alerts.containing("Heartbeat"))
	h.tick(t)
	assert.Equal(t, 1, h.alerts.containing("Heartbeat"))
}

func TestStart_PersistsStateOnShutdown(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{guard: map[string]time.Time{"ETHUSDT": testStart.Add(-time.Hour)}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.svc.Start(ctx))
	assert.Equal(t, 1, h.alerts.containing("Bot started"))
	assert.Equal(t, 1, h.alerts.containing("Bot stopped"))
	assert.GreaterOrEqual(t, h.store.saves, 1)
	assert.Equal(t, testStart.Add(-time.Hour), h.store.saved["ETHUSDT"])
}

func TestStart_InitializeError(t *testing.T) {
	h := newHarness(t, func(ex *mockExchange) { ex.pingErr = errors.New("down") }, harnessOpts{})
	assert.Error(t, h.svc.Start(context.Background()))
	assert.Empty(t, h.alerts.sent)
}

func TestClosedKlines(t *testing.T) {
	now := testStart
	k := func(closeAt time.Time) *domain.Kline { return &domain.Kline{CloseTime: closeAt} }
	klines := []*domain.Kline{k(now.Add(-2 * time.Hour)), k(now.Add(-time.Hour)), k(now.Add(time.Minute))}
	assert.Len(t, closedKlines(klines, now), 2)
	assert.Empty(t, closedKlines(nil, now))
}
