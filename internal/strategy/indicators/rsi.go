package indicators

import (
	"context"
	"fmt"
	"math"

	"cryptoSpotBot/internal/domain"
)

// RSIConfig holds configuration for the RSI indicator
type RSIConfig struct {
	IndicatorConfig
	Overbought float64
	Oversold   float64
}

// RSI implements the Relative Strength Index indicator
type RSI struct {
	BaseIndicator
	config RSIConfig
}

// NewRSI creates a new RSI indicator instance
func NewRSI(config RSIConfig) *RSI {
	return &RSI{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator
func (r *RSI) Name() string {
	return "RSI"
}

// RequiredDataPoints returns period+1: one extra close for the first change.
func (r *RSI) RequiredDataPoints() int {
	return r.Config.Period + 1
}

// Calculate computes the latest RSI value using Wilder's smoothing method
func (r *RSI) Calculate(ctx context.Context, klines []*domain.Kline) (float64, error) {
	if r.Config.Period <= 0 {
		return 0, fmt.Errorf("RSI period must be positive, got %d", r.Config.Period)
	}
	if len(klines) <= r.Config.Period {
		return 0, fmt.Errorf("not enough data (%d) to calculate RSI for period %d", len(klines), r.Config.Period)
	}
	series := RSISeries(Closes(klines), r.Config.Period)
	return series[len(series)-1], nil
}

// IsOverbought checks if the RSI value indicates an overbought condition
func (r *RSI) IsOverbought(value float64) bool {
	return value >= r.config.Overbought
}

// IsOversold checks if the RSI value indicates an oversold condition
func (r *RSI) IsOversold(value float64) bool {
	return value <= r.config.Oversold
}

// RSISeries returns Wilder's RSI aligned with closes. Indexes before period, where no
// value is defined yet, are NaN.
func RSISeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(closes) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50 // Neutral if no change
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
