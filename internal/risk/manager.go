// Package risk implements the trade gate: adaptive cooldowns, a daily trade cap, a daily
// drawdown circuit breaker and an optional trading window, plus rolling performance stats.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"cryptoSpotBot/internal/analytics"
	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

// GateState is the outcome of a CanTrade evaluation.
type GateState string

const (
	Allowed              GateState = "Allowed"
	CooldownActive       GateState = "CooldownActive"
	DailyLimitReached    GateState = "DailyLimitReached"
	DrawdownBreached     GateState = "DrawdownBreached"
	OutsideTradingWindow GateState = "OutsideTradingWindow"
)

// lossCooldownStep extends the cooldown by this fraction of the base per loss beyond the first.
const lossCooldownStep = 0.5

// RiskConfig holds configuration for risk management
type RiskConfig struct {
	MaxDailyTrades int
	MaxDrawdownPct float64 // Daily loss limit as a fraction (0.05 = 5%)
	BaseCooldown   time.Duration

	// Trading window [TradingStartHour, TradingEndHour) in Location. Equal hours disable it.
	TradingStartHour int
	TradingEndHour   int
	Location         *time.Location // Calendar for the daily reset and window; defaults to UTC

	Clock  clock.Clock // Defaults to the system clock
	Logger ports.Logger
}

// RiskState holds the gate's counters and statistics.
type RiskState struct {
	DailyTrades          int
	TotalTrades          int
	WinningTrades        int
	LosingTrades         int
	ConsecutiveWins      int
	ConsecutiveLosses    int
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int

	DailyPnLPct    float64
	TotalPnLUSD    float64
	PeakBalance    float64
	MaxDrawdownPct float64

	LastTradeTime time.Time
	LastReset     time.Time // Midnight of the last daily reset, in the configured location

	TradeHistory []domain.TradeRecord
}

// TradeInput describes an executed fill to record.
type TradeInput struct {
	Symbol       string
	Side         domain.OrderSide
	Quantity     float64
	Price        float64 // Average execution price
	EntryPrice   float64 // Entry of the position being closed; 0 when unknown
	Commission   float64 // Quote currency
	BalanceAfter float64 // Quote balance after the fill
	Reason       domain.CloseReason
	OrderID      string
}

// RiskManager owns RiskState. It is not safe for concurrent use; the tick loop is its only caller.
type RiskManager struct {
	config RiskConfig
	clock  clock.Clock
	logger ports.Logger
	state  RiskState
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) (*RiskManager, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("%w: risk manager requires a logger", ports.ErrConfigurationError)
	}
	if config.MaxDailyTrades <= 0 {
		return nil, fmt.Errorf("%w: max daily trades must be positive, got %d", ports.ErrConfigurationError, config.MaxDailyTrades)
	}
	if config.MaxDrawdownPct <= 0 || config.MaxDrawdownPct >= 1 {
		return nil, fmt.Errorf("%w: max drawdown must be in (0, 1), got %f", ports.ErrConfigurationError, config.MaxDrawdownPct)
	}
	if config.BaseCooldown < 0 {
		return nil, fmt.Errorf("%w: base cooldown must not be negative", ports.ErrConfigurationError)
	}
	if config.TradingStartHour < 0 || config.TradingStartHour > 23 || config.TradingEndHour < 0 || config.TradingEndHour > 23 {
		return nil, fmt.Errorf("%w: trading hours must be within 0-23", ports.ErrConfigurationError)
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	r := &RiskManager{config: config, clock: clk, logger: config.Logger}
	r.state.LastReset = r.midnight(clk.Now())
	return r, nil
}

// CanTrade evaluates the gate afresh. Daily counters are reset first when the calendar
// date has advanced.
func (r *RiskManager) CanTrade(ctx context.Context) (bool, GateState) {
	now := r.clock.Now()
	r.resetDaily(ctx, now)

	if !r.state.LastTradeTime.IsZero() {
		cooldown := r.Cooldown()
		if elapsed := now.Sub(r.state.LastTradeTime); elapsed < cooldown {
			r.logger.Debug(ctx, "Trade blocked by cooldown", map[string]interface{}{
				"remaining": (cooldown - elapsed).String(), "consecutiveLosses": r.state.ConsecutiveLosses,
			})
			return false, CooldownActive
		}
	}

	if r.state.DailyTrades >= r.config.MaxDailyTrades {
		r.logger.Debug(ctx, "Trade blocked by daily limit", map[string]interface{}{
			"dailyTrades": r.state.DailyTrades, "maxDailyTrades": r.config.MaxDailyTrades,
		})
		return false, DailyLimitReached
	}

	if r.state.DailyPnLPct <= -r.config.MaxDrawdownPct*100 {
		r.logger.Debug(ctx, "Trade blocked by daily drawdown", map[string]interface{}{
			"dailyPnLPct": r.state.DailyPnLPct, "limitPct": -r.config.MaxDrawdownPct * 100,
		})
		return false, DrawdownBreached
	}

	if !r.inTradingWindow(now) {
		return false, OutsideTradingWindow
	}

	return true, Allowed
}

// Cooldown returns the required gap since the last trade:
// base * (1 + 0.5*(losses-1)) once two or more consecutive losses have occurred.
func (r *RiskManager) Cooldown() time.Duration {
	base := r.config.BaseCooldown
	if r.state.ConsecutiveLosses < 2 {
		return base
	}
	factor := 1 + lossCooldownStep*float64(r.state.ConsecutiveLosses-1)
	return time.Duration(float64(base) * factor)
}

// RecordTrade records an executed fill and returns the resulting immutable record.
// SELLs with a known entry price are closes: PnL, streaks, drawdown and history are updated.
// Other fills only advance the daily count and the last trade time.
func (r *RiskManager) RecordTrade(ctx context.Context, in TradeInput) domain.TradeRecord {
	now := r.clock.Now()
	r.resetDaily(ctx, now)

	rec := domain.TradeRecord{
		Timestamp:    now,
		Symbol:       in.Symbol,
		Side:         in.Side,
		Quantity:     in.Quantity,
		Price:        in.Price,
		EntryPrice:   in.EntryPrice,
		BalanceAfter: in.BalanceAfter,
		Reason:       in.Reason,
		OrderID:      in.OrderID,
	}
	if in.Side == domain.Buy {
		rec.EntryPrice = in.Price
	}

	r.state.DailyTrades++
	r.state.LastTradeTime = now

	if in.Side != domain.Sell || in.EntryPrice <= 0 {
		return rec
	}

	rec.PnLUSD = (in.Price-in.EntryPrice)*in.Quantity - in.Commission
	if cost := in.EntryPrice * in.Quantity; cost > 0 {
		rec.PnLPct = rec.PnLUSD / cost * 100
	}
	rec.IsWin = rec.PnLUSD > 0
	r.applyClose(rec, true)

	r.logger.Info(ctx, "Trade recorded", map[string]interface{}{
		"symbol": rec.Symbol, "pnlUsd": rec.PnLUSD, "pnlPct": rec.PnLPct, "dailyPnLPct": r.state.DailyPnLPct,
		"consecutiveLosses": r.state.ConsecutiveLosses, "reason": string(rec.Reason),
	})
	return rec
}

// applyClose folds a closing record into the state.
func (r *RiskManager) applyClose(rec domain.TradeRecord, today bool) {
	s := &r.state
	s.TotalTrades++
	s.TotalPnLUSD += rec.PnLUSD
	if rec.IsWin {
		s.WinningTrades++
		s.ConsecutiveWins++
		s.ConsecutiveLosses = 0
	} else {
		s.LosingTrades++
		s.ConsecutiveLosses++
		s.ConsecutiveWins = 0
	}
	s.MaxConsecutiveWins = max(s.MaxConsecutiveWins, s.ConsecutiveWins)
	s.MaxConsecutiveLosses = max(s.MaxConsecutiveLosses, s.ConsecutiveLosses)

	if today {
		if before := rec.BalanceAfter - rec.PnLUSD; before > 0 {
			s.DailyPnLPct += rec.PnLUSD / before * 100
		}
	}
	if rec.BalanceAfter > 0 {
		s.PeakBalance = math.Max(s.PeakBalance, rec.BalanceAfter)
		if s.PeakBalance > 0 {
			dd := (s.PeakBalance - rec.BalanceAfter) / s.PeakBalance * 100
			s.MaxDrawdownPct = math.Max(s.MaxDrawdownPct, dd)
		}
	}
	s.TradeHistory = append(s.TradeHistory, rec)
}

// ObserveBalance raises PeakBalance to balance if it is higher.
func (r *RiskManager) ObserveBalance(balance float64) {
	r.state.PeakBalance = math.Max(r.state.PeakBalance, balance)
}

// GetPerformanceMetrics derives performance statistics from the trade history at the given
// current balance. It has no side effects.
func (r *RiskManager) GetPerformanceMetrics(balance float64) *analytics.PerformanceMetrics {
	m := analytics.Analyze(r.state.TradeHistory, 0)
	m.PeakBalance = math.Max(m.PeakBalance, r.state.PeakBalance)
	m.MaxDrawdownPct = math.Max(m.MaxDrawdownPct, r.state.MaxDrawdownPct)
	m.MaxConsecutiveWins = max(m.MaxConsecutiveWins, r.state.MaxConsecutiveWins)
	m.MaxConsecutiveLosses = max(m.MaxConsecutiveLosses, r.state.MaxConsecutiveLosses)
	if balance > 0 {
		m.FinalBalance = balance
		m.PeakBalance = math.Max(m.PeakBalance, balance)
	}
	if m.PeakBalance > 0 {
		m.CurrentDrawdownPct = math.Max(0, (m.PeakBalance-m.FinalBalance)/m.PeakBalance*100)
	}
	return m
}

// Snapshot returns a copy of the current state.
func (r *RiskManager) Snapshot() RiskState {
	s := r.state
	s.TradeHistory = append([]domain.TradeRecord(nil), r.state.TradeHistory...)
	return s
}

// Restore seeds the state from journaled trades, oldest first. Only records from the
// current calendar day count toward the daily counters. Dust liquidations are skipped,
// as they are never recorded through RecordTrade.
func (r *RiskManager) Restore(records []domain.TradeRecord) {
	now := r.clock.Now()
	today := r.midnight(now)
	r.resetDaily(context.Background(), now)
	for _, rec := range records {
		if rec.Reason == domain.CloseReasonDust {
			continue
		}
		isToday := !r.midnight(rec.Timestamp).Before(today)
		if isToday {
			r.state.DailyTrades++
		}
		if rec.Timestamp.After(r.state.LastTradeTime) {
			r.state.LastTradeTime = rec.Timestamp
		}
		if rec.IsClosing() && rec.EntryPrice > 0 {
			r.applyClose(rec, isToday)
		}
	}
}

func (r *RiskManager) resetDaily(ctx context.Context, now time.Time) {
	today := r.midnight(now)
	if !today.After(r.state.LastReset) {
		return
	}
	r.logger.Info(ctx, "Daily risk counters reset", map[string]interface{}{
		"previousDailyTrades": r.state.DailyTrades, "previousDailyPnLPct": r.state.DailyPnLPct,
	})
	r.state.DailyTrades = 0
	r.state.DailyPnLPct = 0
	r.state.LastReset = today
}

func (r *RiskManager) midnight(t time.Time) time.Time {
	y, m, d := t.In(r.config.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.config.Location)
}

func (r *RiskManager) inTradingWindow(now time.Time) bool {
	start, end := r.config.TradingStartHour, r.config.TradingEndHour
	if start == end {
		return true
	}
	hour := now.In(r.config.Location).Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
