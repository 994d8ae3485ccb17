package domain

import "time"

// Position is the locally tracked view of a non-zero base-asset holding.
type Position struct {
	Symbol     string    // Trading symbol (e.g., "BTCUSDT")
	Side       OrderSide // Side that opened the position; spot positions are always BUY-initiated
	Quantity   float64   // Tracked base-asset quantity
	EntryPrice float64   // Average entry price
	EntryTime  time.Time // Time the position was opened (or adopted at startup)

	Dust     bool // Value fell below the dust threshold
	Stranded bool // Close failed on exchange minimums; parked until price recovers
}

// Value returns the position's notional at the given price.
func (p *Position) Value(price float64) float64 {
	return p.Quantity * price
}

// PnLPct returns the unrealized profit in percent relative to entry, sign-aware for the
// position's side. Returns 0 when the entry price is unknown.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == Sell {
		return -pct
	}
	return pct
}
