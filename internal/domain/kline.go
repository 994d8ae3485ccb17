package domain

import "time"

// Kline is one OHLCV candle as returned by the exchange.
type Kline struct {
	Symbol      string
	Interval    string // e.g. "1h", "4h"
	OpenTime    time.Time
	CloseTime   time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64 // Base-asset volume
	QuoteVolume float64 // Quote-asset volume
}

// Closed reports whether the candle's interval has ended at the given time.
func (k *Kline) Closed(now time.Time) bool {
	return !now.Before(k.CloseTime)
}
