package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ledger"
	"cryptoSpotBot/internal/market"
	"cryptoSpotBot/internal/ports"
	"cryptoSpotBot/internal/risk"
	"cryptoSpotBot/internal/sizing"
)

// Dependencies are the collaborators of a TradingService. Journal is optional.
type Dependencies struct {
	Exchange   ports.ExchangeClient
	Strategy   ports.SignalGenerator
	Risk       *risk.RiskManager
	Sizer      *sizing.Sizer
	Ledger     *ledger.Ledger
	Rules      *market.RulesCache
	Journal    ports.TradeJournal
	LastTrades ports.LastTradeStore
	Alerter    ports.Alerter
	Metrics    ports.Metrics
	Clock      clock.Clock
	Logger     ports.Logger
}

// TradingService is the execution coordinator: once per tick it reconciles the ledger,
// runs exit checks, cleans up dust, retries stranded positions and evaluates signals for
// every approved symbol. All state is owned by the tick loop; it is not safe for
// concurrent use.
type TradingService struct {
	cfg        Config
	exchange   ports.ExchangeClient
	strategy   ports.SignalGenerator
	risk       *risk.RiskManager
	sizer      *sizing.Sizer
	ledger     *ledger.Ledger
	rules      *market.RulesCache
	journal    ports.TradeJournal
	lastTrades ports.LastTradeStore
	alerter    ports.Alerter
	metrics    ports.Metrics
	clock      clock.Clock
	logger     ports.Logger

	symbols      []string
	lastTrade    map[string]time.Time
	balances     map[string]float64
	quoteBalance float64
	prices       map[string]float64 // Per-tick price cache
	errorAlerts  map[string]time.Time
	ticks        int
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg Config, deps Dependencies) (*TradingService, error) {
	if deps.Exchange == nil || deps.Strategy == nil || deps.Risk == nil || deps.Sizer == nil ||
		deps.Ledger == nil || deps.Rules == nil || deps.LastTrades == nil || deps.Alerter == nil ||
		deps.Metrics == nil || deps.Logger == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for TradingService", ports.ErrConfigurationError)
	}
	cfg.Symbols = append([]string(nil), cfg.Symbols...)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	return &TradingService{
		cfg:         cfg,
		exchange:    deps.Exchange,
		strategy:    deps.Strategy,
		risk:        deps.Risk,
		sizer:       deps.Sizer,
		ledger:      deps.Ledger,
		rules:       deps.Rules,
		journal:     deps.Journal,
		lastTrades:  deps.LastTrades,
		alerter:     deps.Alerter,
		metrics:     deps.Metrics,
		clock:       clk,
		logger:      deps.Logger,
		lastTrade:   make(map[string]time.Time),
		balances:    make(map[string]float64),
		prices:      make(map[string]float64),
		errorAlerts: make(map[string]time.Time),
	}, nil
}

// Start initializes the service and runs the tick loop until ctx is cancelled or a fatal
// error occurs. The last-trade map is persisted and a stop alert sent on the way out.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{
		"strategy": s.strategy.Name(), "interval": s.cfg.Interval, "tick": s.cfg.TickInterval.String(),
	})
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	s.sendAlert(ctx, ports.AlertSystem, fmt.Sprintf("Bot started\nVersion: %s\nTrading pairs: %s",
		s.cfg.Version, strings.Join(s.symbols, ", ")))

	runErr := NewScheduler(s.cfg.TickInterval, s.clock, s.logger).Run(ctx, s.safeTick)

	reason := "Manual shutdown"
	if runErr != nil {
		reason = "Crash: " + runErr.Error()
		s.logger.Error(ctx, runErr, "Tick loop stopped on fatal error")
	}
	s.Shutdown(context.WithoutCancel(ctx), reason)
	return runErr
}

// Initialize checks connectivity, approves symbols, restores the repeat-trade guard and
// risk history, and adopts positions from the exchange's balances.
func (s *TradingService) Initialize(ctx context.Context) error {
	if err := s.exchange.Ping(ctx); err != nil {
		s.logger.Error(ctx, err, "Exchange ping failed")
		return fmt.Errorf("exchange ping failed: %w", err)
	}
	if err := s.exchange.SetServerTime(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}
	s.logger.Info(ctx, "Server time synchronized")

	s.approveSymbols(ctx)
	if len(s.symbols) == 0 {
		return fmt.Errorf("%w: none of the configured symbols passed the price check", ports.ErrConfigurationError)
	}

	lastTrade, err := s.lastTrades.Load(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load last-trade state, starting with an empty guard")
		lastTrade = make(map[string]time.Time)
	}
	s.lastTrade = lastTrade

	s.restoreRisk(ctx)

	if err := s.refreshBalances(ctx); err != nil {
		return fmt.Errorf("failed to load account balances: %w", err)
	}
	s.adoptPositions(ctx)
	s.risk.ObserveBalance(s.quoteBalance)

	s.logger.Info(ctx, "Initial state synchronized", map[string]interface{}{
		"symbols": len(s.symbols), "openPositions": s.ledger.Len(), "quoteBalance": s.quoteBalance,
	})
	return nil
}

// approveSymbols keeps the configured symbols whose price can be fetched and warms the
// rules cache for them.
func (s *TradingService) approveSymbols(ctx context.Context) {
	s.symbols = s.symbols[:0]
	for _, symbol := range s.cfg.Symbols {
		price, err := s.exchange.GetPrice(ctx, symbol)
		if err != nil || price <= 0 {
			fields := map[string]interface{}{"symbol": symbol}
			if err != nil {
				fields["error"] = err.Error()
			}
			s.logger.Warn(ctx, "Skipping symbol that failed the price check", fields)
			continue
		}
		s.rules.Get(ctx, symbol)
		s.symbols = append(s.symbols, symbol)
		s.logger.Info(ctx, "Symbol approved", map[string]interface{}{"symbol": symbol, "price": price})
	}
}

func (s *TradingService) restoreRisk(ctx context.Context) {
	if s.journal == nil {
		return
	}
	recent, err := s.journal.RecentTrades(ctx, "", restoreTradeLimit)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to load trade history for risk restore")
		return
	}
	records := make([]domain.TradeRecord, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		records = append(records, *recent[i])
	}
	s.risk.Restore(records)
	snap := s.risk.Snapshot()
	s.logger.Info(ctx, "Risk state restored from journal", map[string]interface{}{
		"trades": len(records), "dailyTrades": snap.DailyTrades, "consecutiveLosses": snap.ConsecutiveLosses,
	})
}

// adoptPositions tracks every non-zero base balance of an approved symbol. The entry
// price comes from the journal's last BUY, else the current price.
func (s *TradingService) adoptPositions(ctx context.Context) {
	now := s.clock.Now()
	for _, symbol := range s.symbols {
		rules := s.rules.Get(ctx, symbol)
		qty := s.balances[rules.BaseAsset]
		if qty <= 0 {
			continue
		}

		entry, at := 0.0, now
		if s.journal != nil {
			last, err := s.journal.LastBuy(ctx, symbol)
			if err != nil {
				s.logger.Warn(ctx, "Journal lookup failed while adopting position", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			} else if last != nil {
				entry, at = last.Price, last.Timestamp
			}
		}
		if entry <= 0 {
			price, err := s.price(ctx, symbol)
			if err != nil {
				s.logger.Warn(ctx, "No entry price for existing balance, not adopting", map[string]interface{}{"symbol": symbol, "error": err.Error()})
				continue
			}
			entry = price
		}
		s.ledger.Adopt(ctx, symbol, qty, entry, at)
	}
}

// Shutdown persists the last-trade map and sends the stop alert.
func (s *TradingService) Shutdown(ctx context.Context, reason string) {
	s.persistLastTrades(ctx)
	s.sendAlert(ctx, ports.AlertSystem, "Bot stopped\nShutdown reason: "+reason)
	s.logger.Info(ctx, "Trading Service stopped.", map[string]interface{}{"reason": reason})
}

// safeTick converts a panic escaping the tick into a fatal error.
func (s *TradingService) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tick panicked: %v", ports.ErrFatal, r)
		}
	}()
	return s.Tick(ctx)
}

// Tick runs one full pass. Per-symbol failures are logged and alerted; only credential
// failures are returned.
func (s *TradingService) Tick(ctx context.Context) error {
	s.ticks++
	s.prices = make(map[string]float64)

	// Exchange work ignores cancellation so an order already on its way is never
	// abandoned. ctx is only checked between symbols.
	work := context.WithoutCancel(ctx)

	if err := s.refreshBalances(work); err != nil {
		if errors.Is(err, ports.ErrInvalidAPIKeys) || errors.Is(err, ports.ErrAuthenticationFailed) {
			return fmt.Errorf("%w: %w", ports.ErrFatal, err)
		}
		s.logger.Error(ctx, err, "Failed to refresh balances, skipping tick")
		s.alertError(work, "account", err)
		return nil
	}

	for _, pos := range s.ledger.All() {
		if ctx.Err() != nil {
			return nil
		}
		symbol := pos.Symbol
		s.guard(work, symbol, func() error { return s.checkExit(work, symbol) })
	}
	if ctx.Err() != nil {
		return nil
	}
	s.cleanupDust(work)
	s.retryStranded(work)

	for _, symbol := range s.symbols {
		if ctx.Err() != nil {
			s.logger.Info(ctx, "Shutdown requested, stopping tick before next symbol", map[string]interface{}{"next": symbol})
			break
		}
		s.guard(work, symbol, func() error { return s.evaluateSignal(work, symbol) })
	}

	s.metrics.OpenPositions(s.ledger.Len())
	s.heartbeat(work)
	return nil
}

// refreshBalances fetches free balances and reconciles the ledger against them.
func (s *TradingService) refreshBalances(ctx context.Context) error {
	balances, err := s.exchange.GetAccountBalances(ctx)
	if err != nil {
		return err
	}
	s.balances = balances
	s.quoteBalance = balances[s.cfg.QuoteAsset]
	s.metrics.Equity(s.quoteBalance)

	report := s.ledger.Reconcile(ctx, balances, s.rulesFor(ctx))
	if report.Changed() {
		s.logger.Info(ctx, "Ledger reconciled with exchange balances", map[string]interface{}{
			"removed": report.Removed, "corrected": len(report.Corrected),
		})
	}
	return nil
}

func (s *TradingService) rulesFor(ctx context.Context) ledger.RulesFunc {
	return func(symbol string) domain.MarketRules { return s.rules.Get(ctx, symbol) }
}

func (s *TradingService) price(ctx context.Context, symbol string) (float64, error) {
	if p, ok := s.prices[symbol]; ok {
		return p, nil
	}
	p, err := s.exchange.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if p <= 0 {
		return 0, fmt.Errorf("%w: non-positive price %f for %s", ports.ErrInvalidRequest, p, symbol)
	}
	s.prices[symbol] = p
	return p, nil
}

// guard runs fn for one symbol, recovering panics so the remaining symbols still run.
func (s *TradingService) guard(ctx context.Context, symbol string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: panic while processing %s: %v", ports.ErrFatal, symbol, r)
			s.logger.Error(ctx, err, "Recovered from panic", map[string]interface{}{"symbol": symbol})
			s.metrics.OrderFailed(symbol, "fatal")
			s.alertError(ctx, symbol, err)
		}
	}()
	if err := fn(); err != nil {
		s.handleError(ctx, symbol, err)
	}
}

func (s *TradingService) handleError(ctx context.Context, symbol string, err error) {
	fields := map[string]interface{}{"symbol": symbol}
	switch {
	case ports.IsValidation(err):
		s.logger.Warn(ctx, "Trade skipped: "+err.Error(), fields)
		s.metrics.OrderFailed(symbol, "validation")
	case ports.IsTransient(err):
		s.logger.Error(ctx, err, "Exchange unavailable after retries, skipping symbol", fields)
		s.metrics.OrderFailed(symbol, "transient")
		s.alertError(ctx, symbol, err)
	case errors.Is(err, ports.ErrOrderRejected), errors.Is(err, ports.ErrInsufficientFunds):
		s.logger.Error(ctx, err, "Order rejected by exchange", fields)
		s.metrics.OrderFailed(symbol, "rejected")
		s.alertError(ctx, symbol, err)
	default:
		s.logger.Error(ctx, err, "Symbol processing failed", fields)
		s.metrics.OrderFailed(symbol, "error")
		s.alertError(ctx, symbol, err)
	}
}

// alertError sends a risk alert for key unless one was sent within ErrorAlertCooldown.
func (s *TradingService) alertError(ctx context.Context, key string, err error) {
	now := s.clock.Now()
	if last, ok := s.errorAlerts[key]; ok && now.Sub(last) < s.cfg.ErrorAlertCooldown {
		return
	}
	s.errorAlerts[key] = now
	s.sendAlert(ctx, ports.AlertRisk, fmt.Sprintf("Trigger: %s error\nDetails: %v", key, err))
}

func (s *TradingService) sendAlert(ctx context.Context, category ports.AlertCategory, message string) {
	if err := s.alerter.SendAlert(ctx, category, message); err != nil {
		s.logger.Warn(ctx, "Alert delivery failed", map[string]interface{}{"category": string(category), "error": err.Error()})
	}
}

func (s *TradingService) persistLastTrades(ctx context.Context) {
	if err := s.lastTrades.Save(ctx, s.lastTrade); err != nil {
		s.logger.Error(ctx, err, "Failed to persist last-trade state")
	}
}

func (s *TradingService) heartbeat(ctx context.Context) {
	if s.cfg.HeartbeatEvery <= 0 || s.ticks%s.cfg.HeartbeatEvery != 0 {
		return
	}
	positions := s.ledger.All()
	held := make([]string, 0, len(positions))
	for _, p := range positions {
		held = append(held, p.Symbol)
	}
	sort.Strings(held)
	snap := s.risk.Snapshot()
	perf := s.risk.GetPerformanceMetrics(s.quoteBalance)

	s.sendAlert(ctx, ports.AlertSystem, fmt.Sprintf(
		"Heartbeat (tick %d)\nAccount Balance: $%.2f\nOpen positions: %d %v\nDaily trades: %d\nWin rate: %.1f%% over %d trades",
		s.ticks, s.quoteBalance, len(held), held, snap.DailyTrades, perf.WinRate, perf.TotalTrades))
}

// Symbols returns the approved symbols.
func (s *TradingService) Symbols() []string {
	return append([]string(nil), s.symbols...)
}
