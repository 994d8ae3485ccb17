package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoSpotBot/internal/domain"
)

func closing(ts time.Time, pnl, pnlPct, balanceAfter float64) domain.TradeRecord {
	return domain.TradeRecord{
		Timestamp: ts, Symbol: "BTCUSDT", Side: domain.Sell,
		PnLUSD: pnl, PnLPct: pnlPct, IsWin: pnl > 0, BalanceAfter: balanceAfter,
	}
}

func TestAnalyze(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	trades := []domain.TradeRecord{
		{Timestamp: base.Add(-time.Hour), Symbol: "BTCUSDT", Side: domain.Buy, BalanceAfter: 900},
		closing(base, 100, 10, 1100),
		closing(base.Add(time.Hour), -50, -5, 1050),
		closing(base.Add(2*time.Hour), -50, -5, 1000),
		closing(base.Add(3*time.Hour), 200, 20, 1200),
	}

	m := Analyze(trades, 1000)

	assert.Equal(t, 4, m.TotalTrades, "opening trades are not counted")
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, 50.0, m.WinRate)
	assert.Equal(t, 200.0, m.TotalProfit)
	assert.Equal(t, 150.0, m.AverageWin)
	assert.Equal(t, -50.0, m.AverageLoss)
	assert.Equal(t, 3.0, m.ProfitFactor)
	assert.Equal(t, 50.0, m.Expectancy)
	assert.Equal(t, 1, m.MaxConsecutiveWins)
	assert.Equal(t, 2, m.MaxConsecutiveLosses)
	assert.Equal(t, 1200.0, m.FinalBalance)
	assert.Equal(t, 1200.0, m.PeakBalance)
	assert.InDelta(t, 100.0/1100*100, m.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 0.0, m.CurrentDrawdownPct)
	require.Len(t, m.EquityCurve, 4)
	assert.Equal(t, 200.0, m.MonthlyReturns["2024-03"])

	// mean 5, sample stdev sqrt(((5)^2+(10)^2+(10)^2+(15)^2)/3)
	expectedSharpe := 5 / math.Sqrt((25.0+100+100+225)/3)
	assert.InDelta(t, expectedSharpe, m.SharpeRatio, 1e-9)
}

func TestAnalyze_Empty(t *testing.T) {
	m := Analyze(nil, 500)
	assert.Equal(t, 0, m.TotalTrades)
	assert.Equal(t, 500.0, m.FinalBalance)
	assert.Equal(t, 0.0, m.WinRate)
	assert.Empty(t, m.EquityCurve)
}

func TestAnalyze_InfersStartBalance(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := Analyze([]domain.TradeRecord{closing(base, -20, -2, 980)}, 0)
	assert.Equal(t, 1000.0, m.StartBalance)
	assert.InDelta(t, 2.0, m.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 0.0, m.ProfitFactor)
}

func TestSharpeRatio(t *testing.T) {
	assert.Equal(t, 0.0, SharpeRatio(nil))
	assert.Equal(t, 0.0, SharpeRatio([]float64{1}))
	assert.Equal(t, 0.0, SharpeRatio([]float64{2, 2, 2}))
	assert.InDelta(t, 1/math.Sqrt(2), SharpeRatio([]float64{0, 2}), 1e-9)
}

func TestGetMonthlyReturns(t *testing.T) {
	m := &PerformanceMetrics{MonthlyReturns: map[string]float64{"2024-02": 5, "2024-01": -3}}
	got := m.GetMonthlyReturns()
	require.Len(t, got, 2)
	assert.Equal(t, time.January, got[0].Month.Month())
	assert.Equal(t, -3.0, got[0].Return)
	assert.Equal(t, 5.0, got[1].Return)
}
