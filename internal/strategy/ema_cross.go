package strategy

import (
	"context"
	"fmt"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
	"cryptoSpotBot/internal/strategy/indicators"
)

const emaCrossMinCandles = 22

// EMACrossConfig holds parameters for the EMA crossover strategy.
type EMACrossConfig struct {
	ShortPeriod int
	LongPeriod  int
	MinVolume   float64
}

// EMACross signals on the candle where the short EMA crosses the long EMA.
type EMACross struct {
	cfg    EMACrossConfig
	logger ports.Logger
}

// NewEMACross validates cfg and creates the strategy.
func NewEMACross(cfg EMACrossConfig, logger ports.Logger) (*EMACross, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.ShortPeriod <= 0 || cfg.LongPeriod <= 0 {
		return nil, fmt.Errorf("%w: EMA periods must be positive", ports.ErrConfigurationError)
	}
	if cfg.ShortPeriod >= cfg.LongPeriod {
		return nil, fmt.Errorf("%w: short EMA period must be less than long EMA period", ports.ErrConfigurationError)
	}
	return &EMACross{cfg: cfg, logger: logger}, nil
}

func (e *EMACross) Name() string { return NameEMACross }

func (e *EMACross) RequiredDataPoints() int {
	return max(emaCrossMinCandles, e.cfg.LongPeriod+1)
}

func (e *EMACross) GenerateSignal(ctx context.Context, klines []*domain.Kline) domain.Signal {
	if len(klines) < e.RequiredDataPoints() {
		e.logger.Debug(ctx, "Not enough kline data for strategy evaluation",
			map[string]interface{}{"strategy": e.Name(), "available": len(klines), "required": e.RequiredDataPoints()})
		return domain.SignalHold
	}
	if !hasVolume(ctx, e.logger, e.Name(), klines, e.cfg.MinVolume) {
		return domain.SignalHold
	}

	closes := indicators.Closes(klines)
	short := indicators.EMASeries(closes, e.cfg.ShortPeriod)
	long := indicators.EMASeries(closes, e.cfg.LongPeriod)
	cur, prev := len(closes)-1, len(closes)-2

	switch {
	case short[prev] <= long[prev] && short[cur] > long[cur]:
		e.logger.Info(ctx, "EMA bullish crossover", map[string]interface{}{"symbol": klines[cur].Symbol, "emaShort": short[cur], "emaLong": long[cur]})
		return domain.SignalBuy
	case short[prev] >= long[prev] && short[cur] < long[cur]:
		e.logger.Info(ctx, "EMA bearish crossover", map[string]interface{}{"symbol": klines[cur].Symbol, "emaShort": short[cur], "emaLong": long[cur]})
		return domain.SignalSell
	}
	return domain.SignalHold
}
