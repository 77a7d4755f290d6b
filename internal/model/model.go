// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Unit counts (issued shares) are int64: units are indivisible.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Rejection kinds. A failing operation leaves persisted state byte-identical
// to before the call and returns exactly one of these, possibly wrapped.
var (
	// ErrPhaseViolation means the operation is illegal in the current
	// lifecycle phase.
	ErrPhaseViolation = errors.New("model: operation illegal in current phase")

	// ErrNotFound means the entry or position does not exist or was withdrawn.
	ErrNotFound = errors.New("model: entry or position not found")

	// ErrUnauthorized means the caller is not the permitted identity.
	ErrUnauthorized = errors.New("model: caller not authorized")

	// ErrInvalidAmount covers zero amounts, insufficient balances, and
	// payments too small to cross one pricing unit.
	ErrInvalidAmount = errors.New("model: invalid amount")

	// ErrInvariantBreach is internal: payout weights that do not sum to the
	// whole, failed proof verification, broken conservation.
	ErrInvariantBreach = errors.New("model: invariant breach")
)

// Phase is a lifecycle state of a market.
type Phase string

const (
	PhaseOpen      Phase = "open"
	PhaseActive    Phase = "active"
	PhaseLocked    Phase = "locked"
	PhaseSettled   Phase = "settled"
	PhaseCancelled Phase = "cancelled"
	PhaseClosed    Phase = "closed"
)

// Terminal reports whether no further transition can leave this phase.
func (p Phase) Terminal() bool {
	return p == PhaseSettled || p == PhaseClosed
}

// MarketEntry is one primary competition slot with its own secondary unit
// pool. The owner is cleared (not deleted) on primary withdrawal; the unit
// count and balances are destroyed only at full settlement sweep.
type MarketEntry struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"` // empty = withdrawn sentinel
	Units          int64           `json:"units"` // issued units; decreases on burn/claim
	Bonus          decimal.Decimal `json:"bonus"` // accrued popularity bonus
	Collateral     decimal.Decimal `json:"collateral"`
	PrimaryNet     decimal.Decimal `json:"primary_net"`     // net primary contribution after fee+subsidy
	PrimarySubsidy decimal.Decimal `json:"primary_subsidy"` // subsidy carved from the primary deposit
}

// Withdrawn reports whether the entry's owner has withdrawn.
func (e *MarketEntry) Withdrawn() bool { return e.Owner == "" }

// ParticipantPosition tracks one (participant, entry) pair on the secondary
// side. Deposited is the historical collateral total, monotonically adjusted
// on remove; Subsidy is the historical inter-pool subsidy contribution.
// Deposited >= 0 always. The pair leaves the ledger only when a withdrawal
// drives it to zero, never explicitly.
type ParticipantPosition struct {
	Participant string          `json:"participant"`
	EntryID     string          `json:"entry_id"`
	Deposited   decimal.Decimal `json:"deposited"`
	Subsidy     decimal.Decimal `json:"subsidy"`
}

// PoolState holds every balance the system is responsible for. At every
// observable point between operations:
//
//	PrimaryCollateral + PrimarySubsidy + SecondaryCollateral +
//	SecondarySubsidy + ProtocolFees + OutstandingBonus == total funds held
type PoolState struct {
	PrimaryCollateral   decimal.Decimal `json:"primary_collateral"`
	PrimarySubsidy      decimal.Decimal `json:"primary_subsidy"` // received from the secondary pool
	SecondaryCollateral decimal.Decimal `json:"secondary_collateral"`
	SecondarySubsidy    decimal.Decimal `json:"secondary_subsidy"` // received from the primary pool
	ProtocolFees        decimal.Decimal `json:"protocol_fees"`
	OutstandingBonus    decimal.Decimal `json:"outstanding_bonus"`
}

// Total sums every pool balance.
func (p PoolState) Total() decimal.Decimal {
	return p.PrimaryCollateral.
		Add(p.PrimarySubsidy).
		Add(p.SecondaryCollateral).
		Add(p.SecondarySubsidy).
		Add(p.ProtocolFees).
		Add(p.OutstandingBonus)
}

// PrimaryTotal is the primary-side value used by the subsidy balancer:
// collateral plus subsidy received plus outstanding bonuses. Bonuses accrue
// to entry owners, so they count as primary-side value even though they are
// carved out of secondary deposits.
func (p PoolState) PrimaryTotal() decimal.Decimal {
	return p.PrimaryCollateral.Add(p.PrimarySubsidy).Add(p.OutstandingBonus)
}

// SecondaryTotal is the secondary-side value used by the subsidy balancer:
// collateral plus subsidy received.
func (p PoolState) SecondaryTotal() decimal.Decimal {
	return p.SecondaryCollateral.Add(p.SecondarySubsidy)
}

// Winner is one winning entry with its payout weight in basis points.
// Weights across a SettlementRecord sum to exactly 10000.
type Winner struct {
	EntryID   string `json:"entry_id"`
	WeightBps int64  `json:"weight_bps"`
}

// SettlementRecord is the oracle-supplied outcome converted to static payout
// figures at settlement time. The first winner in settlement order is the
// designated secondary winner for winner-take-all redemption.
type SettlementRecord struct {
	Winners         []Winner                   `json:"winners"`
	SecondaryWinner string                     `json:"secondary_winner"`
	PrimaryPayouts  map[string]decimal.Decimal `json:"primary_payouts"` // entryID → remaining payout
	SettledAt       time.Time                  `json:"settled_at"`
}

// Operation names recorded in the journal.
const (
	OpRegister       = "register"
	OpWithdrawEntry  = "withdraw_entry"
	OpDeposit        = "deposit"
	OpWithdraw       = "withdraw"
	OpClaimPrimary   = "claim_primary"
	OpClaimSecondary = "claim_secondary"
	OpTransition     = "transition"
	OpSweep          = "sweep"
)

// JournalEntry is an immutable record of one executed operation.
// Once created, these are never modified or deleted.
type JournalEntry struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	EntryID     string          `json:"entry_id" db:"entry_id"`
	Participant string          `json:"participant" db:"participant"`
	Op          string          `json:"op" db:"op"`
	Units       int64           `json:"units" db:"units"`   // signed: +mint, -burn
	Amount      decimal.Decimal `json:"amount" db:"amount"` // gross amount moved
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Bonus       decimal.Decimal `json:"bonus" db:"bonus"`
	Subsidy     decimal.Decimal `json:"subsidy" db:"subsidy"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// MarketParams are the immutable routing and pricing parameters bound at
// market creation.
type MarketParams struct {
	FeeBps          int64           `json:"fee_bps"`
	BonusBps        int64           `json:"bonus_bps"`
	TargetBps       int64           `json:"target_bps"` // primary share of total value
	CapBps          int64           `json:"cap_bps"`    // per-deposit subsidy cap
	EntryDeposit    decimal.Decimal `json:"entry_deposit"`
	Floor           decimal.Decimal `json:"floor"`
	Coeff           decimal.Decimal `json:"coeff"`
	CurveScale      int64           `json:"curve_scale"`
	EligibilityRoot string          `json:"eligibility_root,omitempty"` // hex; empty = open
}

// MarketState is the full persisted surface of one market: everything that
// must survive between calls. No other caches are persisted.
type MarketState struct {
	ID         string                          `json:"id"`
	Ticker     string                          `json:"ticker"`
	Slug       string                          `json:"slug"`
	Authority  string                          `json:"authority"` // outcome authority identity
	Phase      Phase                           `json:"phase"`
	Expiry     time.Time                       `json:"expiry"` // bound at creation, immutable
	Params     MarketParams                    `json:"params"`
	Pools      PoolState                       `json:"pools"`
	Entries    map[string]*MarketEntry         `json:"entries"`
	Positions  map[string]*ParticipantPosition `json:"positions"` // key: PositionKey
	Settlement *SettlementRecord               `json:"settlement,omitempty"`
	CreatedAt  time.Time                       `json:"created_at"`
}

// Clone deep-copies the snapshot so the caller never shares entry or
// position maps with live book state.
func (m *MarketState) Clone() *MarketState {
	out := *m
	out.Entries = make(map[string]*MarketEntry, len(m.Entries))
	for id, e := range m.Entries {
		ec := *e
		out.Entries[id] = &ec
	}
	out.Positions = make(map[string]*ParticipantPosition, len(m.Positions))
	for key, p := range m.Positions {
		pc := *p
		out.Positions[key] = &pc
	}
	if m.Settlement != nil {
		sc := *m.Settlement
		sc.Winners = append([]Winner(nil), m.Settlement.Winners...)
		sc.PrimaryPayouts = make(map[string]decimal.Decimal, len(m.Settlement.PrimaryPayouts))
		for id, v := range m.Settlement.PrimaryPayouts {
			sc.PrimaryPayouts[id] = v
		}
		out.Settlement = &sc
	}
	return &out
}

// PositionKey builds the ledger key for a (participant, entry) pair.
func PositionKey(participant, entryID string) string {
	return participant + "|" + entryID
}
