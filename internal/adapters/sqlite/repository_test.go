package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cryptoSpotBot/internal/domain"
	"cryptoSpotBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func setupTestDB(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func buy(symbol string, at time.Time, price, qty float64) *domain.TradeRecord {
	return &domain.TradeRecord{
		Timestamp: at, Symbol: symbol, Side: domain.Buy, Quantity: qty,
		Price: price, EntryPrice: price, BalanceAfter: 1000, OrderID: "b-" + symbol,
	}
}

func sell(symbol string, at time.Time, entry, price, qty float64, reason domain.CloseReason) *domain.TradeRecord {
	pnl := (price - entry) * qty
	return &domain.TradeRecord{
		Timestamp: at, Symbol: symbol, Side: domain.Sell, Quantity: qty, Price: price,
		EntryPrice: entry, PnLUSD: pnl, PnLPct: pnl / (entry * qty) * 100, IsWin: pnl > 0,
		BalanceAfter: 1000 + pnl, Reason: reason, OrderID: "s-" + symbol,
	}
}

func TestNewRepository_RequiresLogger(t *testing.T) {
	_, err := NewRepository(Config{DBPath: filepath.Join(t.TempDir(), "x.db")})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestRepository_SaveTrade(t *testing.T) {
	tests := []struct {
		name    string
		rec     *domain.TradeRecord
		wantErr error
	}{
		{name: "opening", rec: buy("BTCUSDT", base, 50000, 0.001)},
		{name: "closing", rec: sell("BTCUSDT", base.Add(time.Hour), 50000, 51000, 0.001, domain.CloseReasonTakeProfit)},
		{name: "nil", rec: nil, wantErr: ports.ErrInvalidRequest},
		{name: "missing symbol", rec: &domain.TradeRecord{Side: domain.Buy}, wantErr: ports.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := setupTestDB(t)
			id, err := repo.SaveTrade(context.Background(), tt.rec)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, id)
			assert.Equal(t, id, tt.rec.ID)
		})
	}
}

func TestRepository_RoundTripFields(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	want := sell("ETHUSDT", base, 2000, 1900, 0.5, domain.CloseReasonStopLoss)
	_, err := repo.SaveTrade(ctx, want)
	require.NoError(t, err)

	got, err := repo.RecentTrades(ctx, "ETHUSDT", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
	assert.True(t, want.Timestamp.Equal(got[0].Timestamp))
	assert.Equal(t, domain.Sell, got[0].Side)
	assert.Equal(t, domain.CloseReasonStopLoss, got[0].Reason)
	assert.Equal(t, -50.0, got[0].PnLUSD)
	assert.InDelta(t, -5.0, got[0].PnLPct, 1e-9)
	assert.False(t, got[0].IsWin)
	assert.Equal(t, "s-ETHUSDT", got[0].OrderID)
}

func TestRepository_RecentTrades(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	for i, sym := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT", "BTCUSDT"} {
		_, err := repo.SaveTrade(ctx, buy(sym, base.Add(time.Duration(i)*time.Minute), 100+float64(i), 1))
		require.NoError(t, err)
	}

	btc, err := repo.RecentTrades(ctx, "BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, 103.0, btc[0].Price, "newest first")
	assert.Equal(t, 102.0, btc[1].Price)

	all, err := repo.RecentTrades(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := repo.RecentTrades(ctx, "DOGEUSDT", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepository_LastBuy(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	rec, err := repo.LastBuy(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = repo.SaveTrade(ctx, buy("SOLUSDT", base, 100, 1))
	require.NoError(t, err)
	_, err = repo.SaveTrade(ctx, buy("SOLUSDT", base.Add(time.Hour), 110, 1))
	require.NoError(t, err)
	_, err = repo.SaveTrade(ctx, sell("SOLUSDT", base.Add(2*time.Hour), 105, 120, 2, domain.CloseReasonSignal))
	require.NoError(t, err)

	rec, err = repo.LastBuy(ctx, "SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 110.0, rec.Price)
	assert.Equal(t, domain.Buy, rec.Side)
}

func TestRepository_ClosedTradesAndSince(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	records := []*domain.TradeRecord{
		buy("BTCUSDT", base, 100, 1),
		sell("BTCUSDT", base.Add(time.Hour), 100, 110, 1, domain.CloseReasonTakeProfit),
		buy("ETHUSDT", base.Add(2*time.Hour), 10, 1),
		sell("ETHUSDT", base.Add(3*time.Hour), 10, 9, 1, domain.CloseReasonStopLoss),
	}
	for _, rec := range records {
		_, err := repo.SaveTrade(ctx, rec)
		require.NoError(t, err)
	}

	closed, err := repo.ClosedTrades(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, "BTCUSDT", closed[0].Symbol, "oldest first")
	assert.Equal(t, "ETHUSDT", closed[1].Symbol)
	for _, c := range closed {
		assert.True(t, c.IsClosing())
	}

	since, err := repo.TradesSince(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, domain.Buy, since[0].Side)
	assert.Equal(t, domain.Sell, since[1].Side)
}

func TestRepository_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	repo, err := NewRepository(Config{DBPath: path, Logger: &mockLogger{}})
	require.NoError(t, err)
	_, err = repo.SaveTrade(context.Background(), buy("BNBUSDT", base, 300, 1))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	reopened, err := NewRepository(Config{DBPath: path, Logger: &mockLogger{}})
	require.NoError(t, err)
	defer reopened.Close()
	rec, err := reopened.LastBuy(context.Background(), "BNBUSDT")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 300.0, rec.Price)
}
