package ports

import (
	"context"

	"cryptoSpotBot/internal/domain"
)

// SignalGenerator turns a candle series into a directional signal.
type SignalGenerator interface {
	// Name identifies the generator in logs.
	Name() string

	// RequiredDataPoints returns the minimum number of klines needed for a signal.
	RequiredDataPoints() int

	// GenerateSignal returns BUY, SELL or HOLD for the latest candle.
	GenerateSignal(ctx context.Context, klines []*domain.Kline) domain.Signal
}
