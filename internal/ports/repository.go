package ports

import (
	"context"
	"time"

	"cryptoSpotBot/internal/domain"
)

// TradeJournal durably records executed trades for audit and reporting.
type TradeJournal interface {
	// SaveTrade stores a trade record and returns its assigned ID.
	SaveTrade(ctx context.Context, rec *domain.TradeRecord) (int64, error)
	// RecentTrades returns the most recent trades, newest first. An empty symbol matches all.
	RecentTrades(ctx context.Context, symbol string, limit int) ([]*domain.TradeRecord, error)
	// LastBuy returns the most recent BUY for a symbol, or nil, nil if none exists.
	LastBuy(ctx context.Context, symbol string) (*domain.TradeRecord, error)
	// ClosedTrades returns all closing trades, oldest first.
	ClosedTrades(ctx context.Context) ([]*domain.TradeRecord, error)
}

// LastTradeStore persists the per-symbol last-trade timestamps used by the
// repeat-trade guard.
type LastTradeStore interface {
	Load(ctx context.Context) (map[string]time.Time, error)
	Save(ctx context.Context, lastTrades map[string]time.Time) error
}
