package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tandemx/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.MarketState) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.MarketState) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	return s.primary.InsertJournalEntry(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.MarketState, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.MarketState
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.MarketState, error) {
	marketID, err := s.rdb.Get(ctx, tickerKey(ticker)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.MarketState, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) JournalByMarket(ctx context.Context, marketID string) ([]model.JournalEntry, error) {
	return s.primary.JournalByMarket(ctx, marketID)
}

func (s *CachedStore) JournalByParticipant(ctx context.Context, participant string) ([]model.JournalEntry, error) {
	return s.primary.JournalByParticipant(ctx, participant)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.MarketState) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
		s.rdb.Set(ctx, tickerKey(m.Ticker), m.ID, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func tickerKey(ticker string) string { return fmt.Sprintf("ticker:%s", ticker) }
