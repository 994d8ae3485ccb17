// Package analytics derives performance statistics from closed trades.
package analytics

import (
	"math"
	"sort"
	"time"

	"cryptoSpotBot/internal/domain"
)

// PerformanceMetrics holds performance statistics over a set of closing trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // Percent, 0-100
	TotalProfit   float64 // Quote currency
	AverageWin    float64
	AverageLoss   float64 // Negative or zero
	ProfitFactor  float64 // Gross profit / gross loss; 0 when there are no losses
	SharpeRatio   float64 // Mean / stdev of per-trade PnL percent (no risk-free rate)
	Expectancy    float64 // Expected PnL per trade in quote currency

	// Balance Metrics
	StartBalance       float64
	FinalBalance       float64
	PeakBalance        float64
	MaxDrawdownPct     float64 // Largest peak-to-trough decline, percent
	CurrentDrawdownPct float64 // Decline of FinalBalance from PeakBalance, percent

	// Streaks
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int

	MonthlyReturns map[string]float64
	EquityCurve    []EquityPoint
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64 // Percent below the running peak
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// Analyze computes metrics from trades. Opening trades are ignored. When the records
// carry a BalanceAfter it drives the equity curve; otherwise the curve is rebuilt from
// startBalance plus cumulative PnL. startBalance <= 0 is inferred from the first close.
func Analyze(trades []domain.TradeRecord, startBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		StartBalance:   startBalance,
		FinalBalance:   startBalance,
		PeakBalance:    startBalance,
		MonthlyReturns: make(map[string]float64),
		EquityCurve:    make([]EquityPoint, 0),
	}

	closes := make([]domain.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if t.IsClosing() {
			closes = append(closes, t)
		}
	}
	if len(closes) == 0 {
		return metrics
	}
	sort.SliceStable(closes, func(i, j int) bool {
		return closes[i].Timestamp.Before(closes[j].Timestamp)
	})

	if metrics.StartBalance <= 0 {
		first := closes[0]
		metrics.StartBalance = first.BalanceAfter - first.PnLUSD
		if metrics.StartBalance < 0 {
			metrics.StartBalance = 0
		}
	}

	balance := metrics.StartBalance
	peak := metrics.StartBalance
	var grossWin, grossLoss float64
	var consecutiveWins, consecutiveLosses int
	returns := make([]float64, 0, len(closes))

	for _, trade := range closes {
		metrics.TotalTrades++
		metrics.TotalProfit += trade.PnLUSD
		returns = append(returns, trade.PnLPct)

		if trade.PnLUSD > 0 {
			metrics.WinningTrades++
			grossWin += trade.PnLUSD
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			metrics.LosingTrades++
			grossLoss += -trade.PnLUSD
			consecutiveLosses++
			consecutiveWins = 0
		}
		metrics.MaxConsecutiveWins = max(metrics.MaxConsecutiveWins, consecutiveWins)
		metrics.MaxConsecutiveLosses = max(metrics.MaxConsecutiveLosses, consecutiveLosses)

		if trade.BalanceAfter > 0 {
			balance = trade.BalanceAfter
		} else {
			balance += trade.PnLUSD
		}
		metrics.MonthlyReturns[trade.Timestamp.Format("2006-01")] += trade.PnLUSD

		peak = math.Max(peak, balance)
		drawdown := 0.0
		if peak > 0 {
			drawdown = (peak - balance) / peak * 100
		}
		metrics.MaxDrawdownPct = math.Max(metrics.MaxDrawdownPct, drawdown)
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     trade.Timestamp,
			Value:    balance,
			Drawdown: drawdown,
		})
	}

	metrics.FinalBalance = balance
	metrics.PeakBalance = peak
	if peak > 0 {
		metrics.CurrentDrawdownPct = (peak - balance) / peak * 100
	}

	n := float64(metrics.TotalTrades)
	metrics.WinRate = float64(metrics.WinningTrades) / n * 100
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = grossWin / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = -grossLoss / float64(metrics.LosingTrades)
	}
	if grossLoss > 0 {
		metrics.ProfitFactor = grossWin / grossLoss
	}
	metrics.Expectancy = metrics.TotalProfit / n
	metrics.SharpeRatio = SharpeRatio(returns)

	return metrics
}

// SharpeRatio returns mean/stdev of returns using the sample standard deviation.
// Fewer than two returns or zero variance yield 0.
func SharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return 0
	}
	return mean / stdDev
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{
			Month:  date,
			Return: profit,
		})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}
