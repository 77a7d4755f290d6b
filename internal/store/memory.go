package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/tandemx/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	markets map[string]*model.MarketState
	journal []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*model.MarketState),
	}
}

// cloneMarket deep-copies a snapshot so callers never share entry or
// position maps with the store.
func cloneMarket(m *model.MarketState) *model.MarketState {
	return m.Clone()
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Ticker == m.Ticker {
			return fmt.Errorf("market for ticker %s already exists", m.Ticker)
		}
	}
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.MarketState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("market %s not found", m.ID)
	}
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s not found", id)
	}
	return cloneMarket(m), nil
}

func (s *MemoryStore) GetMarketByTicker(_ context.Context, ticker string) (*model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Ticker == ticker {
			return cloneMarket(m), nil
		}
	}
	return nil, fmt.Errorf("market for ticker %s not found", ticker)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.MarketState, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *cloneMarket(m))
	}
	return markets, nil
}

func (s *MemoryStore) InsertJournalEntry(_ context.Context, e *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) JournalByMarket(_ context.Context, marketID string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) JournalByParticipant(_ context.Context, participant string) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Participant == participant {
			result = append(result, e)
		}
	}
	return result, nil
}
