package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Signal is the directional decision produced by a signal generator.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// CloseReason indicates why a position was (partially) closed.
type CloseReason string

const (
	CloseReasonNone       CloseReason = ""
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonSignal     CloseReason = "SIGNAL"    // Strategy SELL signal
	CloseReasonEmergency  CloseReason = "EMERGENCY" // Capital-preservation liquidation
	CloseReasonDust       CloseReason = "DUST"      // Best-effort dust liquidation
	CloseReasonRecovered  CloseReason = "STRANDED_RECOVERY"
	CloseReasonUnknown    CloseReason = "Unknown"
)
