package app

import (
	"fmt"
	"strings"
	"time"

	"cryptoSpotBot/internal/ports"
)

// Defaults applied by NewTradingService when the corresponding Config field is zero.
const (
	DefaultQuoteAsset           = "USDT"
	DefaultInterval             = "1h"
	DefaultKlineLimit           = 100
	DefaultEmergencyDrawdownPct = 0.5
	DefaultRepeatTradeGuard     = 24 * time.Hour
	DefaultErrorAlertCooldown   = 30 * time.Minute
	restoreTradeLimit           = 1000
)

// Config holds the coordinator's parameters. Percentages are fractions (0.05 = 5%).
type Config struct {
	Symbols      []string
	QuoteAsset   string
	Interval     string // Candle interval passed to the exchange
	KlineLimit   int    // Candles requested per signal evaluation
	TickInterval time.Duration

	StopLossPct          float64
	TakeProfitPct        float64
	EmergencyDrawdownPct float64       // Loss from entry that triggers unconditional liquidation
	RepeatTradeGuard     time.Duration // Per-symbol minimum gap between trades
	FeeRate              float64

	ErrorAlertCooldown time.Duration // Per-symbol minimum gap between error alerts
	HeartbeatEvery     int           // Ticks between heartbeat alerts; 0 disables
	Version            string
}

func (c *Config) applyDefaults() {
	if c.QuoteAsset == "" {
		c.QuoteAsset = DefaultQuoteAsset
	}
	if c.Interval == "" {
		c.Interval = DefaultInterval
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = DefaultKlineLimit
	}
	if c.EmergencyDrawdownPct == 0 {
		c.EmergencyDrawdownPct = DefaultEmergencyDrawdownPct
	}
	if c.RepeatTradeGuard == 0 {
		c.RepeatTradeGuard = DefaultRepeatTradeGuard
	}
	if c.ErrorAlertCooldown == 0 {
		c.ErrorAlertCooldown = DefaultErrorAlertCooldown
	}
	for i, s := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

func (c Config) validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("%w: at least one symbol is required", ports.ErrConfigurationError)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ports.ErrConfigurationError)
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 1 {
		return fmt.Errorf("%w: stop loss must be in (0, 1), got %f", ports.ErrConfigurationError, c.StopLossPct)
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("%w: take profit must be positive, got %f", ports.ErrConfigurationError, c.TakeProfitPct)
	}
	if c.EmergencyDrawdownPct <= c.StopLossPct || c.EmergencyDrawdownPct >= 1 {
		return fmt.Errorf("%w: emergency drawdown must be in (stop loss, 1), got %f", ports.ErrConfigurationError, c.EmergencyDrawdownPct)
	}
	if c.FeeRate < 0 || c.FeeRate >= 0.1 {
		return fmt.Errorf("%w: fee rate must be in [0, 0.1), got %f", ports.ErrConfigurationError, c.FeeRate)
	}
	if c.RepeatTradeGuard < 0 || c.ErrorAlertCooldown < 0 || c.HeartbeatEvery < 0 {
		return fmt.Errorf("%w: guard, alert cooldown and heartbeat must not be negative", ports.ErrConfigurationError)
	}
	return nil
}
