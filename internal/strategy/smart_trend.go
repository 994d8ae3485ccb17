package strategy

import (
	"context"
	"fmt"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
	"cryptoSpotBot/internal/strategy/indicators"
)

// smartTrendMinCandles is the smallest series SmartTrend evaluates, regardless of periods.
const smartTrendMinCandles = 50

// SmartTrendConfig holds parameters for the SmartTrend strategy.
type SmartTrendConfig struct {
	EMAShort      int     // e.g., 9
	EMALong       int     // e.g., 21
	RSIPeriod     int     // e.g., 14
	RSIOverbought float64 // e.g., 70
	RSIOversold   float64 // e.g., 30
	MinVolume     float64 // Minimum base volume of the latest candle
}

// SmartTrend buys when the short EMA is above the long EMA and RSI has just crossed above
// 50 without being overbought; it sells on the mirrored condition.
type SmartTrend struct {
	cfg    SmartTrendConfig
	logger ports.Logger
}

// NewSmartTrend validates cfg and creates the strategy.
func NewSmartTrend(cfg SmartTrendConfig, logger ports.Logger) (*SmartTrend, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.EMAShort <= 0 || cfg.EMALong <= 0 || cfg.RSIPeriod <= 0 {
		return nil, fmt.Errorf("%w: strategy periods must be positive", ports.ErrConfigurationError)
	}
	if cfg.EMAShort >= cfg.EMALong {
		return nil, fmt.Errorf("%w: short EMA period must be less than long EMA period", ports.ErrConfigurationError)
	}
	if cfg.RSIOversold >= 50 || cfg.RSIOverbought <= 50 {
		return nil, fmt.Errorf("%w: RSI oversold must be below 50 and overbought above 50", ports.ErrConfigurationError)
	}
	return &SmartTrend{cfg: cfg, logger: logger}, nil
}

func (s *SmartTrend) Name() string { return NameSmartTrend }

// RequiredDataPoints returns the minimum number of klines needed for a signal.
func (s *SmartTrend) RequiredDataPoints() int {
	return max(smartTrendMinCandles, s.cfg.EMALong+1, s.cfg.RSIPeriod+2)
}

// GenerateSignal evaluates the latest two candles of klines.
func (s *SmartTrend) GenerateSignal(ctx context.Context, klines []*domain.Kline) domain.Signal {
	if len(klines) < s.RequiredDataPoints() {
		s.logger.Debug(ctx, "Not enough kline data for strategy evaluation",
			map[string]interface{}{"strategy": s.Name(), "available": len(klines), "required": s.RequiredDataPoints()})
		return domain.SignalHold
	}
	if !hasVolume(ctx, s.logger, s.Name(), klines, s.cfg.MinVolume) {
		return domain.SignalHold
	}

	closes := indicators.Closes(klines)
	emaShort := indicators.EMASeries(closes, s.cfg.EMAShort)
	emaLong := indicators.EMASeries(closes, s.cfg.EMALong)
	rsi := indicators.RSISeries(closes, s.cfg.RSIPeriod)

	last := len(closes) - 1
	short, long := emaShort[last], emaLong[last]
	cur, prev := rsi[last], rsi[last-1]

	fields := map[string]interface{}{
		"symbol": klines[last].Symbol, "emaShort": short, "emaLong": long, "rsi": cur, "prevRsi": prev,
	}

	switch {
	case short > long && cur > 50 && prev <= 50 && cur < s.cfg.RSIOverbought:
		s.logger.Info(ctx, "SmartTrend buy conditions met", fields)
		return domain.SignalBuy
	case short < long && cur < 50 && prev >= 50 && cur > s.cfg.RSIOversold:
		s.logger.Info(ctx, "SmartTrend sell conditions met", fields)
		return domain.SignalSell
	}
	s.logger.Debug(ctx, "SmartTrend holding", fields)
	return domain.SignalHold
}
