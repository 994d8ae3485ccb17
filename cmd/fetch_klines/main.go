package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cryptoSpotBot/config"
	"cryptoSpotBot/internal/adapters/binanceclient"
	"cryptoSpotBot/internal/adapters/logger"
	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/retry"
	"cryptoSpotBot/internal/utils"
)

func main() {
	var (
		symbol   string
		interval string
		days     int
		outDir   string
	)
	cmd := &cobra.Command{
		Use:   "fetch_klines",
		Short: "Download spot klines for a symbol into a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return fetch(ctx, strings.ToUpper(symbol), config.NormalizeInterval(interval), days, outDir)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "ETHUSDT", "trading pair")
	cmd.Flags().StringVar(&interval, "interval", config.DefaultInterval, "candle interval (1m 5m 15m 1h 4h 1d)")
	cmd.Flags().IntVar(&days, "days", 90, "how many days back to fetch")
	cmd.Flags().StringVar(&outDir, "out", "data", "output directory")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func fetch(ctx context.Context, symbol, interval string, days int, outDir string) error {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewZapLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = appLogger.Sync() }()

	// 3. Initialize Exchange Client (public endpoints only)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		return err
	}
	policy := retry.Policy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay, Logger: appLogger}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	appLogger.Info(ctx, "Fetching klines", map[string]interface{}{
		"symbol": symbol, "interval": interval, "start": start.Format(time.RFC3339), "end": end.Format(time.RFC3339),
	})
	klines, err := retry.DoValue(ctx, policy, "GetKlinesRange", func(ctx context.Context) ([]*domain.Kline, error) {
		return binanceClient.GetKlinesRange(ctx, symbol, interval, start, end)
	})
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching klines")
		return err
	}
	appLogger.Info(ctx, "Fetched klines", map[string]interface{}{"count": len(klines)})

	filename := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s_to_%s.csv", symbol, interval, start.Format("20060102"), end.Format("20060102")))
	if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		return err
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
	return nil
}
