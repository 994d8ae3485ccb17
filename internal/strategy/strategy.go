// Package strategy holds the signal generators the engine can trade with.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

// Strategy names accepted by New.
const (
	NameSmartTrend = "SmartTrend"
	NameEMACross   = "EMACross"
)

// Config holds the parameters for every available strategy.
type Config struct {
	Name       string
	SmartTrend SmartTrendConfig
	EMACross   EMACrossConfig
}

// New builds the signal generator selected by cfg.Name.
func New(cfg Config, logger ports.Logger) (ports.SignalGenerator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	switch strings.ToLower(cfg.Name) {
	case strings.ToLower(NameSmartTrend), "":
		return NewSmartTrend(cfg.SmartTrend, logger)
	case strings.ToLower(NameEMACross):
		return NewEMACross(cfg.EMACross, logger)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ports.ErrConfigurationError, cfg.Name)
	}
}

// hasVolume reports whether the latest candle traded at least minVolume.
func hasVolume(ctx context.Context, logger ports.Logger, name string, klines []*domain.Kline, minVolume float64) bool {
	last := klines[len(klines)-1]
	if last.Volume < minVolume {
		logger.Debug(ctx, "Volume below minimum", map[string]interface{}{
			"strategy": name, "symbol": last.Symbol, "volume": last.Volume, "minVolume": minVolume,
		})
		return false
	}
	return true
}
