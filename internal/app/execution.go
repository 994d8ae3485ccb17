package app

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ledger"
	"cryptoSpotBot/internal/ports"
	"cryptoSpotBot/internal/risk"
	"cryptoSpotBot/internal/sizing"
)

// order is one sized trade ready for submission.
type order struct {
	symbol     string
	side       domain.OrderSide
	reason     domain.CloseReason
	refPrice   float64 // Price used for sizing; fallback when the fill reports none
	entryPrice float64 // Entry of the position being reduced
	rules      domain.MarketRules
	size       sizing.Result
	untracked  bool // Dust liquidation: journaled but not counted by the risk gate
}

// checkExit runs emergency, stop-loss and take-profit checks for a tracked position.
// Dust is left to its own pass. A stranded position still gets the emergency and stop
// checks, which bypass the minimums; its take-profit is left to retryStranded.
func (s *TradingService) checkExit(ctx context.Context, symbol string) error {
	pos, ok := s.ledger.Get(symbol)
	if !ok || pos.Dust {
		return nil
	}
	price, err := s.price(ctx, symbol)
	if err != nil {
		return fmt.Errorf("exit check price lookup failed: %w", err)
	}
	rules := s.rules.Get(ctx, symbol)
	pnlPct := pos.PnLPct(price)

	switch {
	case pnlPct <= -s.cfg.EmergencyDrawdownPct*100:
		return s.emergencyLiquidate(ctx, pos, price, rules, pnlPct)
	case pnlPct <= -s.cfg.StopLossPct*100:
		s.logger.Warn(ctx, "Stop loss triggered", map[string]interface{}{
			"symbol": symbol, "pnlPct": pnlPct, "price": price, "stranded": pos.Stranded,
		})
		return s.closePosition(ctx, pos, price, rules, domain.CloseReasonStopLoss, true)
	case pnlPct >= s.cfg.TakeProfitPct*100 && !pos.Stranded:
		s.logger.Info(ctx, "Take profit triggered", map[string]interface{}{"symbol": symbol, "pnlPct": pnlPct, "price": price})
		return s.closePosition(ctx, pos, price, rules, domain.CloseReasonTakeProfit, false)
	}
	return nil
}

// available returns the base quantity that can be sold for pos: the tracked quantity
// capped by the free balance.
func (s *TradingService) available(pos domain.Position, rules domain.MarketRules) float64 {
	if free, ok := s.balances[rules.BaseAsset]; ok && free > 0 {
		return math.Min(pos.Quantity, free)
	}
	return pos.Quantity
}

// closeRequest sizes a full close of pos. bypass skips the exchange minimum checks.
func (s *TradingService) closeRequest(pos domain.Position, price float64, rules domain.MarketRules, bypass bool) (sizing.Request, sizing.Result) {
	req := sizing.Request{
		Side:           domain.Sell,
		Symbol:         pos.Symbol,
		Price:          price,
		Amount:         s.available(pos, rules),
		Rules:          rules,
		FeeRate:        s.cfg.FeeRate,
		FullClose:      true,
		BypassMinimums: bypass,
	}
	return req, s.sizer.Size(req)
}

// closePosition sells the whole position. bypass skips the exchange minimum checks for
// stop-losses. A close that cannot meet the minimums parks the position as stranded.
func (s *TradingService) closePosition(ctx context.Context, pos domain.Position, price float64, rules domain.MarketRules, reason domain.CloseReason, bypass bool) error {
	req, res := s.closeRequest(pos, price, rules, bypass)
	if !res.OK {
		if res.Strand {
			s.ledger.MarkStranded(ctx, pos.Symbol)
			if s.ledger.ShouldAlertStranded(pos.Symbol) {
				s.sendAlert(ctx, ports.AlertRisk, fmt.Sprintf("Trigger: position stranded\nDetails: %s %.8f worth $%.2f is below the exchange minimum $%.2f",
					pos.Symbol, req.Amount, req.Amount*price, rules.MinNotional))
			}
		}
		return res.Err(req)
	}
	return s.submit(ctx, order{
		symbol: pos.Symbol, side: domain.Sell, reason: reason, refPrice: price,
		entryPrice: pos.EntryPrice, rules: rules, size: res,
	})
}

// emergencyLiquidate sells the entire free balance regardless of gate or minimums.
// Reconcile has already dropped any position without a free balance this tick.
func (s *TradingService) emergencyLiquidate(ctx context.Context, pos domain.Position, price float64, rules domain.MarketRules, pnlPct float64) error {
	amount := s.balances[rules.BaseAsset]
	s.logger.Warn(ctx, "Emergency liquidation triggered", map[string]interface{}{
		"symbol": pos.Symbol, "pnlPct": pnlPct, "quantity": amount, "threshold": -s.cfg.EmergencyDrawdownPct * 100,
	})
	s.sendAlert(ctx, ports.AlertRisk, fmt.Sprintf("Trigger: emergency liquidation\nDetails: %s down %.2f%% from entry $%.4f",
		pos.Symbol, -pnlPct, pos.EntryPrice))

	req := sizing.Request{
		Side: domain.Sell, Symbol: pos.Symbol, Price: price, Amount: amount,
		Rules: rules, FullClose: true, BypassMinimums: true,
	}
	res := s.sizer.Size(req)
	if !res.OK {
		return res.Err(req)
	}
	return s.submit(ctx, order{
		symbol: pos.Symbol, side: domain.Sell, reason: domain.CloseReasonEmergency, refPrice: price,
		entryPrice: pos.EntryPrice, rules: rules, size: res,
	})
}

// cleanupDust removes dust positions, liquidating those worth more than the dust floor.
func (s *TradingService) cleanupDust(ctx context.Context) {
	priceOf := func(symbol string) (float64, bool) {
		p, err := s.price(ctx, symbol)
		return p, err == nil
	}
	for _, action := range s.ledger.DustCandidates(priceOf, s.rulesFor(ctx)) {
		a := action
		s.guard(ctx, a.Symbol, func() error { return s.removeDust(ctx, a) })
	}
}

func (s *TradingService) removeDust(ctx context.Context, a ledger.DustAction) error {
	fields := map[string]interface{}{"symbol": a.Symbol, "quantity": a.Quantity, "value": a.Value}
	if a.Liquidate {
		if err := s.liquidateDust(ctx, a); err != nil {
			fields["error"] = err.Error()
			s.logger.Warn(ctx, "Dust liquidation failed, dropping position anyway", fields)
		}
	}
	s.ledger.Remove(a.Symbol)
	s.logger.Info(ctx, "Dust position removed from tracking", fields)

	if s.ledger.ShouldAlertDust(a.Symbol) {
		s.sendAlert(ctx, ports.AlertRisk, fmt.Sprintf("Trigger: dust removed\nDetails: %s %.8f worth $%.2f", a.Symbol, a.Quantity, a.Value))
	}
	return nil
}

func (s *TradingService) liquidateDust(ctx context.Context, a ledger.DustAction) error {
	pos, ok := s.ledger.Get(a.Symbol)
	if !ok {
		return nil
	}
	price, err := s.price(ctx, a.Symbol)
	if err != nil {
		return err
	}
	rules := s.rules.Get(ctx, a.Symbol)
	req := sizing.Request{
		Side: domain.Sell, Symbol: a.Symbol, Price: price, Amount: s.available(pos, rules),
		Rules: rules, FullClose: true, BypassMinimums: true,
	}
	res := s.sizer.Size(req)
	if !res.OK {
		return res.Err(req)
	}
	return s.submit(ctx, order{
		symbol: a.Symbol, side: domain.Sell, reason: domain.CloseReasonDust, refPrice: price,
		entryPrice: pos.EntryPrice, rules: rules, size: res, untracked: true,
	})
}

// retryStranded attempts a normal close for stranded positions whose value has recovered.
func (s *TradingService) retryStranded(ctx context.Context) {
	for _, p := range s.ledger.Stranded() {
		pos := p
		s.guard(ctx, pos.Symbol, func() error {
			price, err := s.price(ctx, pos.Symbol)
			if err != nil {
				return fmt.Errorf("stranded retry price lookup failed: %w", err)
			}
			rules := s.rules.Get(ctx, pos.Symbol)
			if !ledger.StrandedRecoverable(pos, price, rules) {
				s.logger.Debug(ctx, "Stranded position still below recovery threshold", map[string]interface{}{
					"symbol": pos.Symbol, "value": pos.Value(price), "minNotional": rules.MinNotional,
				})
				return nil
			}
			if _, res := s.closeRequest(pos, price, rules, false); !res.OK {
				s.logger.Debug(ctx, "Stranded position sell would still miss exchange minimums", map[string]interface{}{
					"symbol": pos.Symbol, "quantity": res.Quantity, "notional": res.Notional, "reason": string(res.Reason),
				})
				return nil
			}
			s.ledger.ClearStranded(pos.Symbol)
			s.logger.Info(ctx, "Stranded position recovered, retrying close", map[string]interface{}{"symbol": pos.Symbol, "price": price})
			return s.closePosition(ctx, pos, price, rules, domain.CloseReasonRecovered, false)
		})
	}
}

// evaluateSignal fetches fresh candles, asks the strategy for a signal and acts on it.
func (s *TradingService) evaluateSignal(ctx context.Context, symbol string) error {
	now := s.clock.Now()
	if last, ok := s.lastTrade[symbol]; ok && now.Sub(last) < s.cfg.RepeatTradeGuard {
		s.logger.Debug(ctx, "Symbol traded recently, skipping", map[string]interface{}{
			"symbol": symbol, "lastTrade": last, "guard": s.cfg.RepeatTradeGuard.String(),
		})
		return nil
	}

	klines, err := s.exchange.GetKlines(ctx, symbol, s.cfg.Interval, s.cfg.KlineLimit)
	if err != nil {
		return fmt.Errorf("failed to refresh klines: %w", err)
	}
	closed := closedKlines(klines, now)
	if len(closed) < s.strategy.RequiredDataPoints() {
		s.logger.Debug(ctx, "Not enough closed candles for strategy", map[string]interface{}{
			"symbol": symbol, "have": len(closed), "need": s.strategy.RequiredDataPoints(),
		})
		return nil
	}

	signal := s.strategy.GenerateSignal(ctx, closed)
	s.metrics.Decision(symbol, string(signal))
	pos, hasPosition := s.ledger.Get(symbol)

	switch {
	case signal == domain.SignalBuy && !hasPosition:
		if ok, state := s.risk.CanTrade(ctx); !ok {
			s.logger.Info(ctx, "Buy signal blocked by risk gate", map[string]interface{}{"symbol": symbol, "state": string(state)})
			return nil
		}
		return s.openPosition(ctx, symbol)

	case signal == domain.SignalSell && hasPosition && !pos.Dust && !pos.Stranded:
		price, err := s.price(ctx, symbol)
		if err != nil {
			return fmt.Errorf("sell signal price lookup failed: %w", err)
		}
		return s.closePosition(ctx, pos, price, s.rules.Get(ctx, symbol), domain.CloseReasonSignal, false)
	}
	return nil
}

func (s *TradingService) openPosition(ctx context.Context, symbol string) error {
	price, err := s.price(ctx, symbol)
	if err != nil {
		return fmt.Errorf("buy price lookup failed: %w", err)
	}
	rules := s.rules.Get(ctx, symbol)
	req := sizing.Request{
		Side: domain.Buy, Symbol: symbol, Price: price, Amount: s.quoteBalance,
		Rules: rules, FeeRate: s.cfg.FeeRate,
	}
	res := s.sizer.Size(req)
	if !res.OK {
		return res.Err(req)
	}
	return s.submit(ctx, order{symbol: symbol, side: domain.Buy, refPrice: price, rules: rules, size: res})
}

// submit places the order and, once filled, updates the ledger, risk state, repeat-trade
// guard, journal, alerts and metrics.
func (s *TradingService) submit(ctx context.Context, o order) error {
	req := ports.OrderRequest{
		Symbol:        o.symbol,
		Side:          o.side,
		Quantity:      o.size.QuantityText,
		ClientOrderID: uuid.NewString(),
	}
	s.logger.Info(ctx, "Placing market order", map[string]interface{}{
		"symbol": o.symbol, "side": string(o.side), "quantity": req.Quantity, "reason": string(o.reason),
		"clientOrderId": req.ClientOrderID, "sellAll": o.size.SellAll,
	})

	resp, err := s.exchange.PlaceMarketOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s market order failed: %w", o.side, o.symbol, err)
	}
	if resp.ExecutedQty <= 0 {
		return fmt.Errorf("%w: %s %s order %d not filled (status %s)", ports.ErrOrderRejected, o.side, o.symbol, resp.OrderID, resp.Status)
	}

	now := s.clock.Now()
	avg := resp.AvgPrice()
	if avg <= 0 {
		avg = o.refPrice
	}
	executed := resp.ExecutedQty
	commission := resp.CommissionIn(o.rules.BaseAsset, o.rules.QuoteAsset)
	quoteFee := quoteCommission(resp, o.rules.QuoteAsset)
	notional := resp.QuoteQty
	if notional <= 0 {
		notional = executed * avg
	}

	credited := executed
	if o.side == domain.Buy {
		credited -= resp.BaseCommission(o.rules.BaseAsset)
		s.quoteBalance -= notional + quoteFee
	} else {
		s.quoteBalance += notional - quoteFee
	}
	s.balances[o.rules.QuoteAsset] = s.quoteBalance
	s.ledger.ApplyFill(ctx, o.symbol, o.side, credited, avg, now, o.rules)
	s.metrics.OrderPlaced(o.symbol, string(o.side))
	s.metrics.Equity(s.quoteBalance)

	orderID := strconv.FormatInt(resp.OrderID, 10)
	var rec domain.TradeRecord
	if o.untracked {
		rec = domain.TradeRecord{
			Timestamp: now, Symbol: o.symbol, Side: o.side, Quantity: executed, Price: avg,
			EntryPrice: o.entryPrice, BalanceAfter: s.quoteBalance, Reason: o.reason, OrderID: orderID,
		}
	} else {
		rec = s.risk.RecordTrade(ctx, risk.TradeInput{
			Symbol: o.symbol, Side: o.side, Quantity: executed, Price: avg, EntryPrice: o.entryPrice,
			Commission: commission, BalanceAfter: s.quoteBalance, Reason: o.reason, OrderID: orderID,
		})
		s.lastTrade[o.symbol] = now
		s.persistLastTrades(ctx)
	}

	s.logger.Info(ctx, "Order filled", map[string]interface{}{
		"symbol": o.symbol, "side": string(o.side), "executedQty": executed, "avgPrice": avg,
		"orderId": orderID, "pnlUsd": rec.PnLUSD, "reason": string(o.reason),
	})
	s.journalTrade(ctx, &rec)
	s.alertTrade(ctx, rec)
	if rec.IsClosing() && rec.EntryPrice > 0 && !o.untracked {
		result := "loss"
		if rec.IsWin {
			result = "win"
		}
		s.metrics.TradeClosed(result, string(rec.Reason))
	}
	return nil
}

func (s *TradingService) journalTrade(ctx context.Context, rec *domain.TradeRecord) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.SaveTrade(ctx, rec); err != nil {
		s.logger.Error(ctx, err, "Failed to journal trade", map[string]interface{}{"symbol": rec.Symbol, "orderId": rec.OrderID})
	}
}

func (s *TradingService) alertTrade(ctx context.Context, rec domain.TradeRecord) {
	msg := fmt.Sprintf("Pair: %s\nPrice: $%.4f\nQuantity: %.8f", rec.Symbol, rec.Price, rec.Quantity)
	if !rec.IsClosing() {
		s.sendAlert(ctx, ports.AlertBuy, msg)
		return
	}
	if rec.EntryPrice > 0 {
		msg += fmt.Sprintf("\nPnL: $%.2f (%.2f%%)", rec.PnLUSD, rec.PnLPct)
	}
	category := ports.AlertSell
	switch rec.Reason {
	case domain.CloseReasonStopLoss:
		category = ports.AlertStopLoss
	case domain.CloseReasonTakeProfit:
		category = ports.AlertTakeProfit
	case domain.CloseReasonEmergency:
		category = ports.AlertRisk
	}
	s.sendAlert(ctx, category, msg+"\nReason: "+string(rec.Reason))
}

func quoteCommission(resp *ports.OrderResponse, quoteAsset string) float64 {
	total := 0.0
	for _, f := range resp.Fills {
		if f.CommissionAsset == quoteAsset {
			total += f.Commission
		}
	}
	return total
}

// closedKlines drops a trailing candle whose interval has not ended yet.
func closedKlines(klines []*domain.Kline, now time.Time) []*domain.Kline {
	out := klines
	for len(out) > 0 && !out[len(out)-1].Closed(now) {
		out = out[:len(out)-1]
	}
	return out
}
