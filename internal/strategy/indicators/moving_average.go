package indicators

import (
	"context"
	"fmt"

	"cryptoSpotBot/internal/domain"
)

// MovingAverageType defines the type of moving average
type MovingAverageType string

const (
	// SimpleMovingAverage represents a simple moving average
	SimpleMovingAverage MovingAverageType = "SMA"
	// ExponentialMovingAverage represents an exponential moving average
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// MovingAverageConfig holds configuration for moving average indicators
type MovingAverageConfig struct {
	IndicatorConfig
	Type MovingAverageType
}

// MovingAverage implements both SMA and EMA indicators
type MovingAverage struct {
	BaseIndicator
	config MovingAverageConfig
}

// NewMovingAverage creates a new moving average indicator instance
func NewMovingAverage(config MovingAverageConfig) *MovingAverage {
	return &MovingAverage{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator
func (m *MovingAverage) Name() string {
	return fmt.Sprintf("%s(%d)", m.config.Type, m.Config.Period)
}

// Calculate computes the latest moving average value based on the configured type
func (m *MovingAverage) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	if m.Config.Period <= 0 {
		return 0, fmt.Errorf("moving average period must be positive, got %d", m.Config.Period)
	}
	if len(klines) < m.Config.Period {
		return 0, fmt.Errorf("not enough data (%d) to calculate %s for period %d", len(klines), m.config.Type, m.Config.Period)
	}
	closes := Closes(klines)
	switch m.config.Type {
	case SimpleMovingAverage:
		return SMA(closes, m.Config.Period), nil
	case ExponentialMovingAverage:
		series := EMASeries(closes, m.Config.Period)
		return series[len(series)-1], nil
	default:
		return 0, fmt.Errorf("unsupported moving average type: %s", m.config.Type)
	}
}

// SMA returns the simple average of the last period values. The caller guarantees
// len(values) >= period > 0.
func SMA(values []float64, period int) float64 {
	total := 0.0
	for _, v := range values[len(values)-period:] {
		total += v
	}
	return total / float64(period)
}

// EMASeries returns the exponential moving average of values for every index, seeded
// with the first value and smoothed with alpha = 2/(span+1).
func EMASeries(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}
