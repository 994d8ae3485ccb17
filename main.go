package main

import (
	"context"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cryptoSpotBot/config"
	"cryptoSpotBot/internal/adapters/binanceclient"
	"cryptoSpotBot/internal/adapters/logger"
	"cryptoSpotBot/internal/adapters/metrics"
	"cryptoSpotBot/internal/adapters/sqlite"
	"cryptoSpotBot/internal/adapters/statefile"
	"cryptoSpotBot/internal/adapters/telegram"
	"cryptoSpotBot/internal/analytics"
	"cryptoSpotBot/internal/app"
	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ledger"
	"cryptoSpotBot/internal/market"
	"cryptoSpotBot/internal/ports"
	"cryptoSpotBot/internal/retry"
	"cryptoSpotBot/internal/risk"
	"cryptoSpotBot/internal/sizing"
	"cryptoSpotBot/internal/strategy"
	"cryptoSpotBot/internal/strategy/backtesting"
	"cryptoSpotBot/internal/utils"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "spotbot",
		Short:         "Spot trading bot for Binance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newReportCmd(), newBacktestCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
}

func newReportCmd() *cobra.Command {
	var limit int
	var symbol string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print recent trades and performance metrics from the trade journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(cmd.Context(), symbol, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent trades to list")
	cmd.Flags().StringVarP(&symbol, "symbol", "s", "", "only list trades for this symbol")
	return cmd
}

func newBacktestCmd() *cobra.Command {
	var funds float64
	cmd := &cobra.Command{
		Use:   "backtest <klines.csv>",
		Short: "Replay a kline CSV (see cmd/fetch_klines) through the trading engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return backtest(cmd.Context(), args[0], funds)
		},
	}
	cmd.Flags().Float64Var(&funds, "funds", 1000, "initial quote balance")
	return cmd
}

func setup() (*config.Config, *logger.ZapLogger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	appLogger, err := logger.NewZapLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})
	return cfg, appLogger, nil
}

func run(ctx context.Context) error {
	// 1. Load Configuration and Logger
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = appLogger.Sync() }()
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}

	// 2. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	store, err := statefile.New(cfg.StateFile, appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize state file")
		return err
	}

	// 3. Initialize Exchange Client (Binance Adapter) behind the retry decorator
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		return err
	}
	exchange := retry.NewExchange(binanceClient, retry.Policy{
		Attempts: cfg.RetryAttempts,
		Delay:    cfg.RetryDelay,
		Logger:   appLogger,
	})
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 4. Initialize Strategy
	strat, err := strategy.New(cfg.StrategyConfig(), appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading strategy")
		return err
	}
	appLogger.Info(ctx, "Trading strategy initialized", map[string]interface{}{"strategy": strat.Name()})

	// 5. Engine components
	clk := clock.Real{}
	riskCfg := cfg.RiskConfig()
	riskCfg.Clock = clk
	riskCfg.Logger = appLogger
	riskManager, err := risk.NewRiskManager(riskCfg)
	if err != nil {
		return err
	}
	sizer, err := sizing.New(cfg.SizingConfig())
	if err != nil {
		return err
	}
	positions := ledger.New(ledger.Config{DustAlertInterval: cfg.DustAlertInterval, Clock: clk, Logger: appLogger})

	alerter, err := telegram.New(telegram.Config{Token: cfg.TelegramToken, ChatID: cfg.TelegramChatID, Logger: appLogger})
	if err != nil {
		return err
	}

	var sink ports.Metrics = metrics.Noop{}
	if cfg.MetricsAddr != "" {
		prom := metrics.NewPrometheus()
		sink = prom
		go func() {
			if err := prom.Serve(ctx, cfg.MetricsAddr, appLogger); err != nil {
				appLogger.Error(ctx, err, "Metrics endpoint stopped")
			}
		}()
	}

	// 6. Initialize Application Service
	tradingService, err := app.NewTradingService(cfg.ServiceConfig(version), app.Dependencies{
		Exchange:   exchange,
		Strategy:   strat,
		Risk:       riskManager,
		Sizer:      sizer,
		Ledger:     positions,
		Rules:      market.NewRulesCache(exchange, appLogger),
		Journal:    repo,
		LastTrades: store,
		Alerter:    alerter,
		Metrics:    sink,
		Clock:      clk,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trading service")
		return err
	}

	// 7. Start the Service
	if err := tradingService.Start(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		return err
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
	return nil
}

func report(ctx context.Context, symbol string, limit int) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = appLogger.Sync() }()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		return err
	}
	defer repo.Close()

	recent, err := repo.RecentTrades(ctx, symbol, limit)
	if err != nil {
		return err
	}
	closed, err := repo.ClosedTrades(ctx)
	if err != nil {
		return err
	}

	out := os.Stdout
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSYMBOL\tSIDE\tQTY\tPRICE\tPNL USD\tPNL %\tREASON")
	for _, t := range recent {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.8f\t%.4f\t%.2f\t%.2f\t%s\n",
			t.Timestamp.Format("2006-01-02 15:04"), t.Symbol, t.Side, t.Quantity, t.Price, t.PnLUSD, t.PnLPct, t.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	records := make([]domain.TradeRecord, 0, len(closed))
	for _, t := range closed {
		records = append(records, *t)
	}
	m := analytics.Analyze(records, 0)
	fmt.Fprintf(out, "\nClosed trades: %d (won %d, lost %d)\n", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	fmt.Fprintf(out, "Win rate: %.1f%%  Profit factor: %.2f  Sharpe: %.2f\n", m.WinRate, m.ProfitFactor, m.SharpeRatio)
	fmt.Fprintf(out, "Total PnL: $%.2f  Avg win: $%.2f  Avg loss: $%.2f\n", m.TotalProfit, m.AverageWin, m.AverageLoss)
	fmt.Fprintf(out, "Max drawdown: %.2f%%  Streaks: %d wins / %d losses\n", m.MaxDrawdownPct, m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	return nil
}

func backtest(ctx context.Context, path string, funds float64) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = appLogger.Sync() }()

	klines, err := utils.ReadKlinesFromCSV(path)
	if err != nil {
		return err
	}
	if len(klines) == 0 {
		return fmt.Errorf("%s contains no klines", path)
	}
	strat, err := strategy.New(cfg.StrategyConfig(), appLogger)
	if err != nil {
		return err
	}

	symbol := klines[0].Symbol
	result, err := backtesting.Backtest(ctx, strat, klines, backtesting.BacktestConfig{
		Rules:        market.Fallback(symbol),
		InitialFunds: funds,
		FeeRate:      cfg.TradingFee,
		Service:      cfg.ServiceConfig(version),
		Risk:         cfg.RiskConfig(),
		Sizing:       cfg.SizingConfig(),
	}, appLogger)
	if err != nil {
		return err
	}

	m := result.Metrics
	fmt.Printf("%s %s: %d candles, %d fills, strategy %s\n", symbol, klines[0].Interval, result.Candles, len(result.Trades), strat.Name())
	fmt.Printf("Closed trades: %d  Win rate: %.1f%%  Profit factor: %.2f\n", m.TotalTrades, m.WinRate, m.ProfitFactor)
	fmt.Printf("Final equity: $%.2f  Return: %.2f%%  Max drawdown: %.2f%%\n", result.FinalEquity, result.ReturnOnInvestment, m.MaxDrawdownPct)
	return nil
}
