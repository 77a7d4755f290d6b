package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tandemx/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values in the journal are stored as NUMERIC for exact decimal
// precision; the pools/entries/positions/settlement aggregate is stored as
// JSONB since it is always read and written whole.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS markets (
			id          TEXT PRIMARY KEY,
			ticker      TEXT UNIQUE NOT NULL,
			slug        TEXT NOT NULL,
			authority   TEXT NOT NULL,
			phase       TEXT NOT NULL,
			expiry      TIMESTAMPTZ NOT NULL,
			state       JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS journal_entries (
			id          TEXT PRIMARY KEY,
			market_id   TEXT NOT NULL,
			entry_id    TEXT NOT NULL,
			participant TEXT NOT NULL,
			op          TEXT NOT NULL,
			units       BIGINT NOT NULL,
			amount      NUMERIC NOT NULL,
			fee         NUMERIC NOT NULL,
			bonus       NUMERIC NOT NULL,
			subsidy     NUMERIC NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS journal_by_market ON journal_entries (market_id, timestamp);
		CREATE INDEX IF NOT EXISTS journal_by_participant ON journal_entries (participant, timestamp);
	`)
	return err
}

// stateBlob is the JSONB portion of a market row.
type stateBlob struct {
	Pools      model.PoolState                       `json:"pools"`
	Entries    map[string]*model.MarketEntry         `json:"entries"`
	Positions  map[string]*model.ParticipantPosition `json:"positions"`
	Settlement *model.SettlementRecord               `json:"settlement,omitempty"`
}

func marketBlob(m *model.MarketState) ([]byte, error) {
	return json.Marshal(stateBlob{
		Pools:      m.Pools,
		Entries:    m.Entries,
		Positions:  m.Positions,
		Settlement: m.Settlement,
	})
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.MarketState) error {
	blob, err := marketBlob(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, ticker, slug, authority, phase, expiry, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Ticker, m.Slug, m.Authority, string(m.Phase), m.Expiry, blob, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.MarketState) error {
	blob, err := marketBlob(m)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET phase = $2, state = $3 WHERE id = $1`,
		m.ID, string(m.Phase), blob,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s not found", m.ID)
	}
	return nil
}

func (s *PostgresStore) scanMarket(row interface{ Scan(dest ...any) error }) (*model.MarketState, error) {
	var m model.MarketState
	var phase string
	var blob []byte

	if err := row.Scan(&m.ID, &m.Ticker, &m.Slug, &m.Authority, &phase, &m.Expiry, &blob, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Phase = model.Phase(phase)

	var st stateBlob
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("decode market state %s: %w", m.ID, err)
	}
	m.Pools = st.Pools
	m.Entries = st.Entries
	m.Positions = st.Positions
	m.Settlement = st.Settlement
	if m.Entries == nil {
		m.Entries = make(map[string]*model.MarketEntry)
	}
	if m.Positions == nil {
		m.Positions = make(map[string]*model.ParticipantPosition)
	}
	return &m, nil
}

const marketColumns = `id, ticker, slug, authority, phase, expiry, state, created_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.MarketState, error) {
	m, err := s.scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.MarketState, error) {
	m, err := s.scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ticker = $1`, ticker))
	if err != nil {
		return nil, fmt.Errorf("get market by ticker %s: %w", ticker, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.MarketState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.MarketState
	for rows.Next() {
		m, err := s.scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, market_id, entry_id, participant, op, units, amount, fee, bonus, subsidy, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		e.ID, e.MarketID, e.EntryID, e.Participant, e.Op, e.Units,
		e.Amount.String(), e.Fee.String(), e.Bonus.String(), e.Subsidy.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) JournalByMarket(ctx context.Context, marketID string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, entry_id, participant, op, units,
		        amount::TEXT, fee::TEXT, bonus::TEXT, subsidy::TEXT, timestamp
		 FROM journal_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

func (s *PostgresStore) JournalByParticipant(ctx context.Context, participant string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, entry_id, participant, op, units,
		        amount::TEXT, fee::TEXT, bonus::TEXT, subsidy::TEXT, timestamp
		 FROM journal_entries WHERE participant = $1 ORDER BY timestamp`, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// pgxRows is the subset of pgx.Rows needed to scan journal entries.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanJournalEntries(rows pgxRows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var amountS, feeS, bonusS, subsidyS string

		if err := rows.Scan(&e.ID, &e.MarketID, &e.EntryID, &e.Participant, &e.Op, &e.Units,
			&amountS, &feeS, &bonusS, &subsidyS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Amount, _ = decimal.NewFromString(amountS)
		e.Fee, _ = decimal.NewFromString(feeS)
		e.Bonus, _ = decimal.NewFromString(bonusS)
		e.Subsidy, _ = decimal.NewFromString(subsidyS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
