package ports

import "context"

// AlertCategory groups alerts the way operators filter them.
type AlertCategory string

const (
	AlertBuy        AlertCategory = "BUY"
	AlertSell       AlertCategory = "SELL"
	AlertStopLoss   AlertCategory = "STOP_LOSS"
	AlertTakeProfit AlertCategory = "TAKE_PROFIT"
	AlertRisk       AlertCategory = "RISK_ALERT"
	AlertSystem     AlertCategory = "SYSTEM"
)

// Alerter delivers operator notifications. Delivery is best-effort.
type Alerter interface {
	SendAlert(ctx context.Context, category AlertCategory, message string) error
}

// Metrics receives engine counters. Implementations must be cheap and never fail.
type Metrics interface {
	OrderPlaced(symbol, side string)
	OrderFailed(symbol, kind string)
	Decision(symbol, signal string)
	TradeClosed(result string, reason string)
	Equity(balance float64)
	OpenPositions(n int)
}
