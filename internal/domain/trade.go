package domain

import "time"

// TradeRecord is an immutable snapshot of an executed trade.
type TradeRecord struct {
	ID           int64       // Journal row ID (0 until persisted)
	Timestamp    time.Time   // Execution time
	Symbol       string      // Trading symbol
	Side         OrderSide   // BUY for openings, SELL for closings
	Quantity     float64     // Executed base quantity
	Price        float64     // Average execution price
	EntryPrice   float64     // Entry price of the closed position (equals Price for BUY)
	PnLUSD       float64     // Realized PnL in quote currency, net of commission (0 for BUY)
	PnLPct       float64     // Realized PnL in percent of entry notional (0 for BUY)
	IsWin        bool        // PnLUSD > 0
	BalanceAfter float64     // Quote balance after the trade
	Reason       CloseReason // Why the trade happened (empty for openings)
	OrderID      string      // Exchange order reference
}

// IsClosing reports whether the record closes (part of) a position.
func (t *TradeRecord) IsClosing() bool {
	return t.Side == Sell
}
