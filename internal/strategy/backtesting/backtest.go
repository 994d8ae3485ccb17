// Package backtesting replays historical candles through the live trading service
// against a paper exchange.
package backtesting

import (
	"context"
	"fmt"
	"time"

	"cryptoSpotBot/internal/adapters/metrics"
	"cryptoSpotBot/internal/analytics"
	"cryptoSpotBot/internal/app"
	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ledger"
	"cryptoSpotBot/internal/market"
	"cryptoSpotBot/internal/ports"
	"cryptoSpotBot/internal/risk"
	"cryptoSpotBot/internal/sizing"
)

// BacktestConfig holds configuration for backtesting
type BacktestConfig struct {
	Rules        domain.MarketRules
	InitialFunds float64
	FeeRate      float64 // Charged by the paper exchange and assumed by the sizer
	Service      app.Config
	Risk         risk.RiskConfig
	Sizing       sizing.Config
}

// BacktestResult holds the results of a backtest
type BacktestResult struct {
	Candles            int
	Trades             []domain.TradeRecord // Every fill, oldest first
	Metrics            *analytics.PerformanceMetrics
	Alerts             map[ports.AlertCategory]int
	FinalEquity        float64 // Quote balance plus holdings at the last close
	ReturnOnInvestment float64 // Percent
}

// Backtest ticks the trading service once per candle after the strategy warm-up. The
// service runs with its normal risk gate, sizer, ledger and exit rules.
func Backtest(ctx context.Context, strat ports.SignalGenerator, klines []*domain.Kline, cfg BacktestConfig, logger ports.Logger) (*BacktestResult, error) {
	warmup := strat.RequiredDataPoints()
	if len(klines) <= warmup {
		return nil, fmt.Errorf("%w: %d candles, strategy needs more than %d", ports.ErrInvalidRequest, len(klines), warmup)
	}
	if cfg.InitialFunds <= 0 {
		return nil, fmt.Errorf("%w: initial funds must be positive", ports.ErrConfigurationError)
	}

	exchange := NewPaperExchange(cfg.Rules, klines, cfg.InitialFunds, cfg.FeeRate)
	exchange.Seek(warmup - 1)
	clk := clock.NewFake(exchange.Current().CloseTime)

	riskCfg := cfg.Risk
	riskCfg.Clock = clk
	riskCfg.Logger = logger
	riskManager, err := risk.NewRiskManager(riskCfg)
	if err != nil {
		return nil, err
	}
	sizer, err := sizing.New(cfg.Sizing)
	if err != nil {
		return nil, err
	}

	svcCfg := cfg.Service
	svcCfg.Symbols = []string{cfg.Rules.Symbol}
	svcCfg.QuoteAsset = cfg.Rules.QuoteAsset
	svcCfg.FeeRate = cfg.FeeRate
	svcCfg.KlineLimit = max(svcCfg.KlineLimit, warmup)
	svcCfg.HeartbeatEvery = 0
	if svcCfg.TickInterval <= 0 {
		svcCfg.TickInterval = time.Hour
	}

	journal := &memoryJournal{}
	alerts := alertLog{}
	svc, err := app.NewTradingService(svcCfg, app.Dependencies{
		Exchange:   exchange,
		Strategy:   strat,
		Risk:       riskManager,
		Sizer:      sizer,
		Ledger:     ledger.New(ledger.Config{Clock: clk, Logger: logger}),
		Rules:      market.NewRulesCache(exchange, logger),
		Journal:    journal,
		LastTrades: memoryStore{},
		Alerter:    alerts,
		Metrics:    metrics.Noop{},
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := svc.Initialize(ctx); err != nil {
		return nil, err
	}

	candles := 0
	for i := warmup; i < len(klines); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exchange.Seek(i)
		clk.Set(exchange.Current().CloseTime)
		if err := svc.Tick(ctx); err != nil {
			return nil, fmt.Errorf("tick at %s failed: %w", exchange.Current().CloseTime.Format(time.RFC3339), err)
		}
		candles++
	}

	trades := make([]domain.TradeRecord, 0, len(journal.records))
	for _, r := range journal.records {
		trades = append(trades, *r)
	}
	equity := exchange.Equity()
	return &BacktestResult{
		Candles:            candles,
		Trades:             trades,
		Metrics:            analytics.Analyze(trades, cfg.InitialFunds),
		Alerts:             alerts,
		FinalEquity:        equity,
		ReturnOnInvestment: (equity - cfg.InitialFunds) / cfg.InitialFunds * 100,
	}, nil
}
