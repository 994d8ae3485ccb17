// Package sizing converts an intended trade into an exchange-legal order quantity.
//
// All quantities are step-aligned with shopspring/decimal and rounded toward zero, except
// where a minimum must be cleared: then the smallest step multiple that clears it is used.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"
)

// dustCloseFraction is the share of MinNotional below which a full close sells the entire
// available balance instead of stranding the position.
const dustCloseFraction = 0.2

// fallbackStep is used when rules carry no usable step size.
var fallbackStep = decimal.New(1, -8)

// Config holds the sizing parameters.
type Config struct {
	RiskPerTrade   float64 // Fraction of the quote balance risked per BUY (0.01 = 1%)
	MaxPositionPct float64 // Hard cap on a single BUY as a fraction of balance; 0 disables the cap
}

// Request describes one sizing decision.
type Request struct {
	Side   domain.OrderSide
	Symbol string
	Price  float64
	// Amount is the free quote balance for a BUY and the available base quantity for a SELL.
	Amount  float64
	Rules   domain.MarketRules
	FeeRate float64

	FullClose      bool // SELL closes the whole position
	BypassMinimums bool // Stop-loss and emergency exits: floor to step, skip minimum checks
}

// Result is the sizing outcome. Callers must not submit an order when OK is false.
type Result struct {
	Quantity     float64
	QuantityText string // Quantity formatted with the step's precision
	Notional     float64
	OK           bool
	Reason       ports.ValidationReason
	Strand       bool // Caller should park the position instead of submitting
	SellAll      bool // Entire available balance is being sold under the notional minimum
}

// Err converts a failed result into a *ports.ValidationError. Returns nil when OK.
func (r Result) Err(req Request) error {
	if r.OK {
		return nil
	}
	return &ports.ValidationError{
		Symbol: req.Symbol,
		Side:   string(req.Side),
		Reason: r.Reason,
		Detail: fmt.Sprintf("qty=%s notional=%.4f minQty=%g minNotional=%g", r.QuantityText, r.Notional, req.Rules.MinQty, req.Rules.MinNotional),
	}
}

// Sizer computes order quantities. It is stateless.
type Sizer struct {
	cfg Config
}

// New validates cfg and returns a Sizer.
func New(cfg Config) (*Sizer, error) {
	if cfg.RiskPerTrade <= 0 || cfg.RiskPerTrade > 1 {
		return nil, fmt.Errorf("%w: risk per trade must be in (0, 1], got %f", ports.ErrConfigurationError, cfg.RiskPerTrade)
	}
	if cfg.MaxPositionPct < 0 || cfg.MaxPositionPct > 1 {
		return nil, fmt.Errorf("%w: max position pct must be in [0, 1], got %f", ports.ErrConfigurationError, cfg.MaxPositionPct)
	}
	return &Sizer{cfg: cfg}, nil
}

// Size computes the order quantity for req.
func (s *Sizer) Size(req Request) Result {
	step := decimal.NewFromFloat(req.Rules.StepSize)
	if !step.IsPositive() {
		step = fallbackStep
	}
	if req.Side == domain.Buy {
		return s.sizeBuy(req, step)
	}
	return s.sizeSell(req, step)
}

func (s *Sizer) sizeBuy(req Request, step decimal.Decimal) Result {
	if req.Amount <= 0 || req.Price <= 0 {
		return fail(ports.ReasonNoBalance, decimal.Zero, decimal.Zero, step)
	}
	balance := decimal.NewFromFloat(req.Amount)
	price := decimal.NewFromFloat(req.Price)
	minQty := decimal.NewFromFloat(req.Rules.MinQty)
	minNotional := decimal.NewFromFloat(req.Rules.MinNotional)

	risk := balance.Mul(decimal.NewFromFloat(s.cfg.RiskPerTrade))
	if s.cfg.MaxPositionPct > 0 {
		risk = decimal.Min(risk, balance.Mul(decimal.NewFromFloat(s.cfg.MaxPositionPct)))
	}

	qty := FloorStep(risk.Div(price), step)
	if qty.LessThan(minQty) {
		qty = CeilStep(minQty, step)
	}
	if qty.Mul(price).LessThan(minNotional) {
		qty = decimal.Max(CeilStep(minNotional.Div(price), step), CeilStep(minQty, step))
	}
	if !qty.IsPositive() {
		return fail(ports.ReasonBelowMinQty, qty, price, step)
	}

	cost := qty.Mul(price).Mul(decimal.NewFromFloat(1 + req.FeeRate))
	if cost.GreaterThan(balance) {
		return fail(ports.ReasonBelowMinNotional, qty, price, step)
	}
	return success(qty, price, step)
}

func (s *Sizer) sizeSell(req Request, step decimal.Decimal) Result {
	if req.Amount <= 0 {
		return fail(ports.ReasonNoBalance, decimal.Zero, decimal.Zero, step)
	}
	available := decimal.NewFromFloat(req.Amount)
	price := decimal.NewFromFloat(req.Price)
	minQty := decimal.NewFromFloat(req.Rules.MinQty)
	minNotional := decimal.NewFromFloat(req.Rules.MinNotional)

	qty := FloorStep(available.Mul(decimal.NewFromFloat(1-req.FeeRate)), step)

	if req.BypassMinimums {
		if !qty.IsPositive() {
			qty = FloorStep(available, step)
		}
		if !qty.IsPositive() {
			return fail(ports.ReasonBelowMinQty, qty, price, step)
		}
		return success(qty, price, step)
	}

	if !qty.LessThan(minQty) && !qty.Mul(price).LessThan(minNotional) {
		return success(qty, price, step)
	}

	fullNotional := available.Mul(price)
	if req.FullClose && fullNotional.LessThan(minNotional.Mul(decimal.NewFromFloat(dustCloseFraction))) {
		all := FloorStep(available, step)
		if all.IsPositive() && !all.LessThan(minQty) {
			r := success(all, price, step)
			r.SellAll = true
			return r
		}
		return fail(ports.ReasonBelowMinQty, all, price, step)
	}

	reason := ports.ReasonBelowMinNotional
	if qty.LessThan(minQty) {
		reason = ports.ReasonBelowMinQty
	}
	r := fail(reason, qty, price, step)
	r.Strand = true
	return r
}

func success(qty, price, step decimal.Decimal) Result {
	return Result{
		Quantity:     qty.InexactFloat64(),
		QuantityText: FormatQuantity(qty, step),
		Notional:     qty.Mul(price).InexactFloat64(),
		OK:           true,
	}
}

func fail(reason ports.ValidationReason, qty, price, step decimal.Decimal) Result {
	return Result{
		Quantity:     qty.InexactFloat64(),
		QuantityText: FormatQuantity(qty, step),
		Notional:     qty.Mul(price).InexactFloat64(),
		Reason:       reason,
	}
}

// FloorStep rounds v down to a multiple of step.
func FloorStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// CeilStep rounds v up to a multiple of step.
func CeilStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// Precision returns the number of decimal places implied by step (0.001 -> 3, 1 -> 0).
func Precision(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// FormatQuantity renders qty with the step's precision, as the exchange expects.
func FormatQuantity(qty, step decimal.Decimal) string {
	return qty.StringFixed(Precision(step))
}

// FloorToStep is the float64 convenience form of FloorStep.
func FloorToStep(v, step float64) float64 {
	return FloorStep(decimal.NewFromFloat(v), decimal.NewFromFloat(step)).InexactFloat64()
}
