package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cryptoSpotBot/internal/adapters/logger" // Import the logger package for LogLevel
	"cryptoSpotBot/internal/app"
	"cryptoSpotBot/internal/risk"
	"cryptoSpotBot/internal/sizing"
	"cryptoSpotBot/internal/strategy"
)

// DefaultInterval is used when CANDLE_INTERVAL is missing or unsupported.
const DefaultInterval = "1h"

// tickSettleMargin delays each tick slightly past the candle boundary so the exchange has
// closed the candle.
const tickSettleMargin = 5 * time.Second

// intervalSeconds lists the supported candle intervals.
var intervalSeconds = map[string]int{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"1h":  3600,
	"4h":  14400,
	"1d":  86400,
}

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	Symbols    []string
	QuoteAsset string
	Interval   string // Candle interval, one of 1m 5m 15m 1h 4h 1d
	KlineLimit int
	Strategy   string

	// Sizing
	RiskPerTrade   float64 // Fraction of the quote balance risked per BUY
	MaxPositionPct float64 // Cap on a single BUY as a fraction of the quote balance
	TradingFee     float64 // Fee rate, e.g. 0.001 for 0.1%

	// Risk Gate
	MaxDailyTrades   int
	MaxDrawdown      float64 // Daily loss limit as a fraction
	BaseCooldown     time.Duration
	TradingStartHour int
	TradingEndHour   int

	// Exits
	StopLossPct          float64
	TakeProfitPct        float64
	EmergencyDrawdownPct float64
	RepeatTradeGuard     time.Duration

	// Strategy Parameters
	SmartTrendEMAShort      int
	SmartTrendEMALong       int
	SmartTrendRSIPeriod     int
	SmartTrendRSIOverbought float64
	SmartTrendRSIOversold   float64
	EMAShortPeriod          int
	EMALongPeriod           int
	MinVolume               float64

	// Connection Settings
	RetryAttempts int
	RetryDelay    time.Duration

	// Alerts
	TelegramToken      string
	TelegramChatID     string
	DustAlertInterval  time.Duration
	ErrorAlertCooldown time.Duration
	HeartbeatEvery     int

	// Persistence
	StateFile string
	DBPath    string

	// Observability
	MetricsAddr string // Empty disables the /metrics listener
	LogLevel    logger.LogLevel
	LogFormat   string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Trading Parameters
	cfg.Symbols = parseSymbols(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one trading pair")
	}
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))
	cfg.Interval = NormalizeInterval(getEnv("CANDLE_INTERVAL", DefaultInterval))
	cfg.KlineLimit = getEnvAsInt("KLINE_LIMIT", 100)
	if cfg.KlineLimit <= 0 || cfg.KlineLimit > 1000 {
		errs = append(errs, "KLINE_LIMIT must be between 1 and 1000")
	}
	cfg.Strategy = getEnv("STRATEGY", strategy.NameSmartTrend)

	// Sizing
	cfg.RiskPerTrade, err = getEnvAsFloatRequired("RISK_PER_TRADE", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_PER_TRADE: %v", err))
	} else if cfg.RiskPerTrade <= 0 || cfg.RiskPerTrade > 1 {
		errs = append(errs, "RISK_PER_TRADE must be in (0, 1]")
	}
	cfg.MaxPositionPct, err = getEnvAsFloatRequired("MAX_POSITION_PCT", 0.1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_PCT: %v", err))
	} else if cfg.MaxPositionPct < 0 || cfg.MaxPositionPct > 1 {
		errs = append(errs, "MAX_POSITION_PCT must be between 0 and 1")
	}
	cfg.TradingFee, err = getEnvAsFloatRequired("TRADING_FEE", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRADING_FEE: %v", err))
	} else if cfg.TradingFee < 0 || cfg.TradingFee >= 0.1 {
		errs = append(errs, "TRADING_FEE must be in [0, 0.1)")
	}

	// Risk Gate
	cfg.MaxDailyTrades, err = getEnvAsIntRequired("MAX_DAILY_TRADES", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_TRADES: %v", err))
	} else if cfg.MaxDailyTrades <= 0 {
		errs = append(errs, "MAX_DAILY_TRADES must be positive")
	}
	cfg.MaxDrawdown, err = getEnvAsFloatRequired("MAX_DRAWDOWN", 0.05)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DRAWDOWN: %v", err))
	} else if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown >= 1 {
		errs = append(errs, "MAX_DRAWDOWN must be between 0.0 and 1.0 (exclusive)")
	}
	cooldownSeconds := getEnvAsInt("BASE_COOLDOWN_SECONDS", 3600)
	if cooldownSeconds < 0 {
		errs = append(errs, "BASE_COOLDOWN_SECONDS cannot be negative")
	}
	cfg.BaseCooldown = time.Duration(cooldownSeconds) * time.Second
	cfg.TradingStartHour = getEnvAsInt("TRADING_START_HOUR", 0)
	cfg.TradingEndHour = getEnvAsInt("TRADING_END_HOUR", 0)
	if cfg.TradingStartHour < 0 || cfg.TradingStartHour > 23 || cfg.TradingEndHour < 0 || cfg.TradingEndHour > 23 {
		errs = append(errs, "TRADING_START_HOUR and TRADING_END_HOUR must be within 0-23")
	}

	// Exits
	cfg.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", 0.03)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS_PCT: %v", err))
	} else if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1.0 {
		errs = append(errs, "STOP_LOSS_PCT must be between 0.0 and 1.0 (exclusive)")
	}
	cfg.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 0.06)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	} else if cfg.TakeProfitPct <= 0 {
		errs = append(errs, "TAKE_PROFIT_PCT must be positive")
	}
	cfg.EmergencyDrawdownPct, err = getEnvAsFloatRequired("EMERGENCY_DRAWDOWN_PCT", app.DefaultEmergencyDrawdownPct)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EMERGENCY_DRAWDOWN_PCT: %v", err))
	} else if cfg.EmergencyDrawdownPct <= cfg.StopLossPct || cfg.EmergencyDrawdownPct >= 1 {
		errs = append(errs, "EMERGENCY_DRAWDOWN_PCT must be above STOP_LOSS_PCT and below 1.0")
	}
	guardHours := getEnvAsInt("REPEAT_TRADE_GUARD_HOURS", 24)
	if guardHours < 0 {
		errs = append(errs, "REPEAT_TRADE_GUARD_HOURS cannot be negative")
	}
	cfg.RepeatTradeGuard = time.Duration(guardHours) * time.Hour

	// Strategy Parameters (using defaults if not set)
	cfg.SmartTrendEMAShort = getEnvAsInt("SMARTTREND_EMA_SHORT", 9)
	cfg.SmartTrendEMALong = getEnvAsInt("SMARTTREND_EMA_LONG", 21)
	cfg.SmartTrendRSIPeriod = getEnvAsInt("SMARTTREND_RSI_PERIOD", 14)
	cfg.SmartTrendRSIOverbought = getEnvAsFloat("SMARTTREND_RSI_OVERBOUGHT", 70.0)
	cfg.SmartTrendRSIOversold = getEnvAsFloat("SMARTTREND_RSI_OVERSOLD", 30.0)
	cfg.EMAShortPeriod = getEnvAsInt("EMA_SHORT_PERIOD", 9)
	cfg.EMALongPeriod = getEnvAsInt("EMA_LONG_PERIOD", 21)
	cfg.MinVolume = getEnvAsFloat("MIN_VOLUME", 0)

	if cfg.SmartTrendEMAShort <= 0 || cfg.SmartTrendEMALong <= 0 || cfg.SmartTrendRSIPeriod <= 0 ||
		cfg.EMAShortPeriod <= 0 || cfg.EMALongPeriod <= 0 {
		errs = append(errs, "strategy periods (EMA, RSI) must be positive")
	}
	if cfg.SmartTrendEMAShort >= cfg.SmartTrendEMALong || cfg.EMAShortPeriod >= cfg.EMALongPeriod {
		errs = append(errs, "short EMA period must be less than the long EMA period")
	}
	if cfg.SmartTrendRSIOverbought <= cfg.SmartTrendRSIOversold || cfg.SmartTrendRSIOverbought > 100 || cfg.SmartTrendRSIOversold < 0 {
		errs = append(errs, "invalid RSI thresholds (Overbought must be > Oversold, between 0-100)")
	}
	if cfg.MinVolume < 0 {
		errs = append(errs, "MIN_VOLUME cannot be negative")
	}

	// Connection Settings
	cfg.RetryAttempts = getEnvAsInt("RETRY_ATTEMPTS", 3)
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, "RETRY_ATTEMPTS must be positive")
	}
	retryDelaySeconds := getEnvAsInt("RETRY_DELAY_SECONDS", 2)
	if retryDelaySeconds < 0 {
		errs = append(errs, "RETRY_DELAY_SECONDS cannot be negative")
	}
	cfg.RetryDelay = time.Duration(retryDelaySeconds) * time.Second

	// Alerts
	cfg.TelegramToken = getEnv("TELEGRAM_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	cfg.DustAlertInterval = time.Duration(getEnvAsInt("DUST_ALERT_INTERVAL_HOURS", 6)) * time.Hour
	cfg.ErrorAlertCooldown = time.Duration(getEnvAsInt("ERROR_ALERT_COOLDOWN_MINUTES", 30)) * time.Minute
	cfg.HeartbeatEvery = getEnvAsInt("HEARTBEAT_EVERY_TICKS", 12)
	if cfg.DustAlertInterval < 0 || cfg.ErrorAlertCooldown < 0 || cfg.HeartbeatEvery < 0 {
		errs = append(errs, "alert intervals cannot be negative")
	}

	// Persistence
	cfg.StateFile = getEnv("STATE_FILE", "./data/last_trades.json")
	cfg.DBPath = getEnv("DB_PATH", "./data/spot_bot.db")
	if cfg.StateFile == "" || cfg.DBPath == "" {
		errs = append(errs, "STATE_FILE and DB_PATH must be set")
	}

	// Logging
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO")) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", logger.FormatJSON))
	if cfg.LogFormat != logger.FormatJSON && cfg.LogFormat != logger.FormatConsole {
		errs = append(errs, "LOG_FORMAT must be json or console")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// ValidateCredentials reports missing exchange credentials. Only commands that talk to
// the exchange's private endpoints need them.
func (c *Config) ValidateCredentials() error {
	var errs []string
	if c.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if c.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TickInterval is the candle interval plus a small settle margin.
func (c *Config) TickInterval() time.Duration {
	return IntervalDuration(c.Interval) + tickSettleMargin
}

// RiskConfig derives the risk gate settings. Clock and Logger are left to the caller.
func (c *Config) RiskConfig() risk.RiskConfig {
	return risk.RiskConfig{
		MaxDailyTrades:   c.MaxDailyTrades,
		MaxDrawdownPct:   c.MaxDrawdown,
		BaseCooldown:     c.BaseCooldown,
		TradingStartHour: c.TradingStartHour,
		TradingEndHour:   c.TradingEndHour,
	}
}

func (c *Config) SizingConfig() sizing.Config {
	return sizing.Config{RiskPerTrade: c.RiskPerTrade, MaxPositionPct: c.MaxPositionPct}
}

func (c *Config) StrategyConfig() strategy.Config {
	return strategy.Config{
		Name: c.Strategy,
		SmartTrend: strategy.SmartTrendConfig{
			EMAShort:      c.SmartTrendEMAShort,
			EMALong:       c.SmartTrendEMALong,
			RSIPeriod:     c.SmartTrendRSIPeriod,
			RSIOverbought: c.SmartTrendRSIOverbought,
			RSIOversold:   c.SmartTrendRSIOversold,
			MinVolume:     c.MinVolume,
		},
		EMACross: strategy.EMACrossConfig{
			ShortPeriod: c.EMAShortPeriod,
			LongPeriod:  c.EMALongPeriod,
			MinVolume:   c.MinVolume,
		},
	}
}

// ServiceConfig derives the coordinator settings.
func (c *Config) ServiceConfig(version string) app.Config {
	return app.Config{
		Symbols:              append([]string(nil), c.Symbols...),
		QuoteAsset:           c.QuoteAsset,
		Interval:             c.Interval,
		KlineLimit:           c.KlineLimit,
		TickInterval:         c.TickInterval(),
		StopLossPct:          c.StopLossPct,
		TakeProfitPct:        c.TakeProfitPct,
		EmergencyDrawdownPct: c.EmergencyDrawdownPct,
		RepeatTradeGuard:     c.RepeatTradeGuard,
		FeeRate:              c.TradingFee,
		ErrorAlertCooldown:   c.ErrorAlertCooldown,
		HeartbeatEvery:       c.HeartbeatEvery,
		Version:              version,
	}
}

// NormalizeInterval returns interval if supported, else DefaultInterval.
func NormalizeInterval(interval string) string {
	interval = strings.TrimSpace(interval)
	if _, ok := intervalSeconds[interval]; ok {
		return interval
	}
	return DefaultInterval
}

// IntervalDuration returns the length of a candle interval, one hour if unsupported.
func IntervalDuration(interval string) time.Duration {
	secs, ok := intervalSeconds[interval]
	if !ok {
		secs = intervalSeconds[DefaultInterval]
	}
	return time.Duration(secs) * time.Second
}

func parseSymbols(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
