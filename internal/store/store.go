// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The persisted surface per market is the full MarketState snapshot (phase,
// pools, entries, positions, settlement record) plus the immutable journal.
// No other caches are persisted.
package store

import (
	"context"

	"github.com/tandemx/market-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market snapshots ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.MarketState) error

	// SaveMarket overwrites a market snapshot after a mutation.
	SaveMarket(ctx context.Context, m *model.MarketState) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.MarketState, error)

	// GetMarketByTicker retrieves a market by its ticker.
	GetMarketByTicker(ctx context.Context, ticker string) (*model.MarketState, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.MarketState, error)

	// --- Immutable journal ---

	// InsertJournalEntry appends an immutable operation record.
	InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error

	// JournalByMarket returns all operations for a market in order.
	JournalByMarket(ctx context.Context, marketID string) ([]model.JournalEntry, error)

	// JournalByParticipant returns all operations for a participant in order.
	JournalByParticipant(ctx context.Context, participant string) ([]model.JournalEntry, error)
}
