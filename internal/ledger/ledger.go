// Package ledger tracks open spot positions and keeps them consistent with exchange balances.
package ledger

import (
	"context"
	"math"
	"sort"
	"time"

	"cryptoSpotBot/internal/clock"
	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

const (
	// DustFloorUSD is both the lower bound of the dust threshold and the value above which
	// dust is liquidated before removal.
	DustFloorUSD = 1.0
	// DustNotionalFraction of MinNotional is the other dust threshold candidate.
	DustNotionalFraction = 0.2
	// StrandedRecoveryFraction of MinNotional a stranded position must reach to be retried.
	StrandedRecoveryFraction = 0.8
	// MismatchTolerance is the relative divergence tolerated before reconciliation overwrites.
	MismatchTolerance = 0.01

	defaultDustAlertInterval = 6 * time.Hour
	zeroQty                  = 1e-12
)

// Config configures a Ledger.
type Config struct {
	DustAlertInterval time.Duration // Minimum gap between dust alerts per symbol
	Clock             clock.Clock
	Logger            ports.Logger
}

// RulesFunc resolves market rules for a symbol.
type RulesFunc func(symbol string) domain.MarketRules

// Correction records one reconciliation overwrite.
type Correction struct {
	Symbol  string
	Tracked float64
	Actual  float64
}

// ReconcileReport summarises a Reconcile pass.
type ReconcileReport struct {
	Removed   []string
	Corrected []Correction
}

// Changed reports whether reconciliation touched any position.
func (r ReconcileReport) Changed() bool {
	return len(r.Removed) > 0 || len(r.Corrected) > 0
}

// DustAction describes what to do with one dust position.
type DustAction struct {
	Symbol    string
	Quantity  float64
	Value     float64
	Liquidate bool // Value exceeds DustFloorUSD; sell before removing
}

// Ledger is the local view of open positions, keyed by symbol. Quantities change only
// through confirmed fills and Reconcile. Not safe for concurrent use.
type Ledger struct {
	positions         map[string]*domain.Position
	dustAlerts        map[string]time.Time
	strandedAlerts    map[string]time.Time
	dustAlertInterval time.Duration
	clock             clock.Clock
	logger            ports.Logger
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	if cfg.DustAlertInterval <= 0 {
		cfg.DustAlertInterval = defaultDustAlertInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Ledger{
		positions:         make(map[string]*domain.Position),
		dustAlerts:        make(map[string]time.Time),
		strandedAlerts:    make(map[string]time.Time),
		dustAlertInterval: cfg.DustAlertInterval,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
	}
}

// Get returns a copy of the position for symbol.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Has reports whether symbol has a tracked position.
func (l *Ledger) Has(symbol string) bool {
	_, ok := l.positions[symbol]
	return ok
}

// All returns copies of all positions ordered by symbol.
func (l *Ledger) All() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of tracked positions.
func (l *Ledger) Len() int {
	return len(l.positions)
}

// Remove stops tracking symbol.
func (l *Ledger) Remove(symbol string) {
	delete(l.positions, symbol)
}

// Adopt tracks a holding discovered on the exchange, e.g. at startup. An existing
// position is replaced.
func (l *Ledger) Adopt(ctx context.Context, symbol string, qty, entryPrice float64, at time.Time) {
	if qty <= zeroQty {
		return
	}
	l.positions[symbol] = &domain.Position{
		Symbol:     symbol,
		Side:       domain.Buy,
		Quantity:   qty,
		EntryPrice: entryPrice,
		EntryTime:  at,
	}
	l.logger.Info(ctx, "Adopted existing position", map[string]interface{}{
		"symbol": symbol, "quantity": qty, "entryPrice": entryPrice,
	})
}

// Reconcile compares every tracked position with the actual base-asset balance. A zero
// balance deletes the position; a relative divergence above MismatchTolerance overwrites
// the tracked quantity. Balances for assets without a tracked position are ignored.
func (l *Ledger) Reconcile(ctx context.Context, balances map[string]float64, rulesFor RulesFunc) ReconcileReport {
	var report ReconcileReport
	for _, symbol := range l.symbols() {
		pos := l.positions[symbol]
		rules := rulesFor(symbol)
		actual := balances[rules.BaseAsset]

		if actual <= zeroQty {
			delete(l.positions, symbol)
			report.Removed = append(report.Removed, symbol)
			l.logger.Warn(ctx, "Removed phantom position with no exchange balance", map[string]interface{}{
				"symbol": symbol, "trackedQty": pos.Quantity, "asset": rules.BaseAsset,
			})
			continue
		}

		if relativeDiff(pos.Quantity, actual) > MismatchTolerance {
			report.Corrected = append(report.Corrected, Correction{Symbol: symbol, Tracked: pos.Quantity, Actual: actual})
			l.logger.Warn(ctx, "Position quantity diverged from exchange balance, overwriting", map[string]interface{}{
				"symbol": symbol, "trackedQty": pos.Quantity, "actualQty": actual,
			})
			pos.Quantity = actual
		}
	}
	return report
}

// ApplyFill applies a confirmed fill. A BUY opens or averages into the position. A SELL
// reduces it; a position reduced to zero is removed, and a residual below the exchange
// minimums is flagged as dust for the next cleanup pass. Returns the resulting position,
// or false when none remains.
func (l *Ledger) ApplyFill(ctx context.Context, symbol string, side domain.OrderSide, qty, price float64, at time.Time, rules domain.MarketRules) (domain.Position, bool) {
	pos, exists := l.positions[symbol]

	switch side {
	case domain.Buy:
		if qty <= zeroQty {
			break
		}
		if !exists {
			pos = &domain.Position{Symbol: symbol, Side: domain.Buy, EntryTime: at}
			l.positions[symbol] = pos
		}
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.Quantity*pos.EntryPrice + qty*price) / total
		pos.Quantity = total
		pos.Dust = false
		pos.Stranded = false

	case domain.Sell:
		if !exists {
			return domain.Position{}, false
		}
		pos.Quantity -= qty
		if pos.Quantity <= zeroQty {
			delete(l.positions, symbol)
			return domain.Position{}, false
		}
		if pos.Quantity < rules.MinQty || pos.Quantity*price < rules.MinNotional {
			pos.Dust = true
			pos.Stranded = false
			l.logger.Info(ctx, "Residual after sell is below exchange minimums, flagged as dust", map[string]interface{}{
				"symbol": symbol, "residualQty": pos.Quantity, "value": pos.Quantity * price,
			})
		}
	}

	if pos == nil {
		return domain.Position{}, false
	}
	return *pos, true
}

// DustThreshold returns max(DustFloorUSD, DustNotionalFraction*MinNotional).
func DustThreshold(rules domain.MarketRules) float64 {
	return math.Max(DustFloorUSD, rules.MinNotional*DustNotionalFraction)
}

// ClassifyDust flags the tracked position as dust when its value at price is below the
// dust threshold. Returns the flag.
func (l *Ledger) ClassifyDust(symbol string, price float64, rules domain.MarketRules) bool {
	pos, ok := l.positions[symbol]
	if !ok {
		return false
	}
	if pos.Quantity*price < DustThreshold(rules) {
		pos.Dust = true
	}
	return pos.Dust
}

// DustCandidates classifies every position and returns the dust ones. Positions without a
// known price are skipped.
func (l *Ledger) DustCandidates(priceOf func(symbol string) (float64, bool), rulesFor RulesFunc) []DustAction {
	var out []DustAction
	for _, symbol := range l.symbols() {
		price, ok := priceOf(symbol)
		if !ok || price <= 0 {
			continue
		}
		if !l.ClassifyDust(symbol, price, rulesFor(symbol)) {
			continue
		}
		pos := l.positions[symbol]
		value := pos.Quantity * price
		out = append(out, DustAction{
			Symbol:    symbol,
			Quantity:  pos.Quantity,
			Value:     value,
			Liquidate: value > DustFloorUSD,
		})
	}
	return out
}

// ShouldAlertDust reports whether a dust alert for symbol is due, and if so records it.
func (l *Ledger) ShouldAlertDust(symbol string) bool {
	return l.alertDue(l.dustAlerts, symbol)
}

// ShouldAlertStranded is ShouldAlertDust for stranded-position alerts. Both share the
// same per-symbol interval but are tracked separately.
func (l *Ledger) ShouldAlertStranded(symbol string) bool {
	return l.alertDue(l.strandedAlerts, symbol)
}

func (l *Ledger) alertDue(sent map[string]time.Time, symbol string) bool {
	now := l.clock.Now()
	if last, ok := sent[symbol]; ok && now.Sub(last) < l.dustAlertInterval {
		return false
	}
	sent[symbol] = now
	return true
}

// MarkStranded parks symbol's position until its value recovers.
func (l *Ledger) MarkStranded(ctx context.Context, symbol string) {
	pos, ok := l.positions[symbol]
	if !ok || pos.Stranded {
		return
	}
	pos.Stranded = true
	l.logger.Warn(ctx, "Position stranded below exchange minimums", map[string]interface{}{
		"symbol": symbol, "quantity": pos.Quantity,
	})
}

// ClearStranded removes the stranded flag.
func (l *Ledger) ClearStranded(symbol string) {
	if pos, ok := l.positions[symbol]; ok {
		pos.Stranded = false
	}
}

// Stranded returns copies of the stranded positions ordered by symbol.
func (l *Ledger) Stranded() []domain.Position {
	var out []domain.Position
	for _, symbol := range l.symbols() {
		if p := l.positions[symbol]; p.Stranded {
			out = append(out, *p)
		}
	}
	return out
}

// StrandedRecoverable reports whether pos is worth at least StrandedRecoveryFraction of
// MinNotional at price.
func StrandedRecoverable(pos domain.Position, price float64, rules domain.MarketRules) bool {
	return pos.Quantity*price >= rules.MinNotional*StrandedRecoveryFraction
}

func (l *Ledger) symbols() []string {
	out := make([]string, 0, len(l.positions))
	for s := range l.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func relativeDiff(tracked, actual float64) float64 {
	ref := math.Max(math.Abs(tracked), math.Abs(actual))
	if ref == 0 {
		return 0
	}
	return math.Abs(tracked-actual) / ref
}
