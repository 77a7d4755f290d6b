// Package ledger implements the multi-pool position book. Every incoming
// payment is routed across four destinations — protocol fee, popularity
// bonus, inter-pool subsidy, collateral — and every withdrawal unwinds the
// same routing proportionally, so that fund conservation holds at every
// observable point between operations.
//
// The Book is a single owned aggregate passed by handle into each component;
// there are no ambient globals. Phase legality is the lifecycle machine's
// concern; the Book checks existence, amounts, and balances.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tandemx/market-engine/internal/balancer"
	"github.com/tandemx/market-engine/internal/curve"
	"github.com/tandemx/market-engine/internal/model"
)

// ErrReentrant rejects nested entry from within a collaborator callback.
// A reentrant call could observe partially-updated pool state.
var ErrReentrant = fmt.Errorf("%w: reentrant ledger call", model.ErrPhaseViolation)

var bps = decimal.NewFromInt(balancer.BpsDenominator)

// Config holds the routing parameters fixed at market creation.
type Config struct {
	FeeBps       int64           // protocol fee, basis points of gross
	BonusBps     int64           // popularity bonus, basis points of post-fee net
	Balancer     balancer.Config // target ratio + per-deposit cap
	EntryDeposit decimal.Decimal // fixed primary-side deposit
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.FeeBps < 0 || c.FeeBps >= balancer.BpsDenominator {
		return fmt.Errorf("%w: fee bps out of range", model.ErrInvalidAmount)
	}
	if c.BonusBps < 0 || c.BonusBps >= balancer.BpsDenominator {
		return fmt.Errorf("%w: bonus bps out of range", model.ErrInvalidAmount)
	}
	if c.EntryDeposit.Sign() <= 0 {
		return fmt.Errorf("%w: entry deposit must be positive", model.ErrInvalidAmount)
	}
	return c.Balancer.Validate()
}

// Book is the ledger aggregate for one market.
type Book struct {
	Pools      model.PoolState
	Entries    map[string]*model.MarketEntry
	Positions  map[string]*model.ParticipantPosition
	Settlement *model.SettlementRecord

	cfg Config
	cv  *curve.Curve

	busy bool // operation-in-progress guard
}

// NewBook creates an empty book.
func NewBook(cfg Config, cv *curve.Curve) (*Book, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Book{
		Entries:   make(map[string]*model.MarketEntry),
		Positions: make(map[string]*model.ParticipantPosition),
		cfg:       cfg,
		cv:        cv,
	}, nil
}

// Restore rebuilds a book from a persisted market snapshot.
func Restore(cfg Config, cv *curve.Curve, st *model.MarketState) (*Book, error) {
	b, err := NewBook(cfg, cv)
	if err != nil {
		return nil, err
	}
	b.Pools = st.Pools
	if st.Entries != nil {
		b.Entries = st.Entries
	}
	if st.Positions != nil {
		b.Positions = st.Positions
	}
	b.Settlement = st.Settlement
	return b, nil
}

// Config returns the routing parameters.
func (b *Book) Config() Config { return b.cfg }

// Curve returns the pricing engine handle.
func (b *Book) Curve() *curve.Curve { return b.cv }

// Enter sets the operation-in-progress guard. Every externally-reachable
// operation must hold it for its full duration; nested entry is rejected.
func (b *Book) Enter() error {
	if b.busy {
		return ErrReentrant
	}
	b.busy = true
	return nil
}

// Exit clears the operation-in-progress guard.
func (b *Book) Exit() { b.busy = false }

// Entry returns a live entry, rejecting missing or withdrawn ones.
func (b *Book) Entry(entryID string) (*model.MarketEntry, error) {
	e, ok := b.Entries[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: entry %s", model.ErrNotFound, entryID)
	}
	if e.Withdrawn() {
		return nil, fmt.Errorf("%w: entry %s was withdrawn", model.ErrNotFound, entryID)
	}
	return e, nil
}

// SpotPrice returns the current unit price for an entry.
func (b *Book) SpotPrice(entryID string) (decimal.Decimal, error) {
	e, err := b.Entry(entryID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return b.cv.Price(e.Units), nil
}

// CheckConservation verifies that the pool balances sum to the funds the
// system physically holds.
func (b *Book) CheckConservation(held decimal.Decimal) error {
	if total := b.Pools.Total(); !total.Equal(held) {
		return fmt.Errorf("%w: pools total %s, held %s", model.ErrInvariantBreach, total, held)
	}
	return nil
}

func (b *Book) fee(gross decimal.Decimal) decimal.Decimal {
	return gross.Mul(decimal.NewFromInt(b.cfg.FeeBps)).Div(bps)
}

func (b *Book) bonus(net decimal.Decimal) decimal.Decimal {
	return net.Mul(decimal.NewFromInt(b.cfg.BonusBps)).Div(bps)
}

// min2 returns the smaller decimal.
func min2(a, c decimal.Decimal) decimal.Decimal {
	if a.LessThan(c) {
		return a
	}
	return c
}

// --- Primary side ---

// EntryResult reports how a primary deposit was routed.
type EntryResult struct {
	Gross   decimal.Decimal
	Fee     decimal.Decimal
	Subsidy decimal.Decimal
	Net     decimal.Decimal
}

// AddEntry registers a primary competition slot. The fixed deposit is
// routed: protocol fee off the top, then the subsidy balancer may redirect
// part of the net toward the secondary pool, and the remainder becomes the
// entry's primary contribution.
func (b *Book) AddEntry(entryID, owner string) (EntryResult, error) {
	if owner == "" {
		return EntryResult{}, fmt.Errorf("%w: owner required", model.ErrInvalidAmount)
	}
	if _, ok := b.Entries[entryID]; ok {
		return EntryResult{}, fmt.Errorf("%w: entry %s already registered", model.ErrInvalidAmount, entryID)
	}

	gross := b.cfg.EntryDeposit
	fee := b.fee(gross)
	net := gross.Sub(fee)
	subsidy := balancer.Redirect(
		b.Pools.PrimaryTotal(), b.Pools.SecondaryTotal(),
		net, balancer.SidePrimary, b.cfg.Balancer,
	)
	primaryNet := net.Sub(subsidy)

	b.Pools.ProtocolFees = b.Pools.ProtocolFees.Add(fee)
	b.Pools.SecondarySubsidy = b.Pools.SecondarySubsidy.Add(subsidy)
	b.Pools.PrimaryCollateral = b.Pools.PrimaryCollateral.Add(primaryNet)

	b.Entries[entryID] = &model.MarketEntry{
		ID:             entryID,
		Owner:          owner,
		PrimaryNet:     primaryNet,
		PrimarySubsidy: subsidy,
	}

	return EntryResult{Gross: gross, Fee: fee, Subsidy: subsidy, Net: primaryNet}, nil
}

// RemoveEntry withdraws a primary slot, refunding the full fixed deposit by
// reversing the fee and subsidy routing. Any popularity bonus already
// accrued on the entry is forfeited to the remaining secondary pool, never
// to the withdrawing owner. The owner is cleared, not deleted: the entry's
// unit pool lives on for its holders.
func (b *Book) RemoveEntry(entryID, caller string) (EntryResult, error) {
	e, err := b.Entry(entryID)
	if err != nil {
		return EntryResult{}, err
	}
	if e.Owner != caller {
		return EntryResult{}, fmt.Errorf("%w: not the entry owner", model.ErrUnauthorized)
	}

	feeBack := min2(b.cfg.EntryDeposit.Sub(e.PrimaryNet).Sub(e.PrimarySubsidy), b.Pools.ProtocolFees)
	subsidyBack := min2(e.PrimarySubsidy, b.Pools.SecondarySubsidy)
	netBack := min2(e.PrimaryNet, b.Pools.PrimaryCollateral)

	b.Pools.ProtocolFees = b.Pools.ProtocolFees.Sub(feeBack)
	b.Pools.SecondarySubsidy = b.Pools.SecondarySubsidy.Sub(subsidyBack)
	b.Pools.PrimaryCollateral = b.Pools.PrimaryCollateral.Sub(netBack)

	// Forfeit the accrued bonus to the pool it was carved out of.
	if e.Bonus.Sign() > 0 {
		forfeited := min2(e.Bonus, b.Pools.OutstandingBonus)
		b.Pools.OutstandingBonus = b.Pools.OutstandingBonus.Sub(forfeited)
		b.Pools.SecondaryCollateral = b.Pools.SecondaryCollateral.Add(forfeited)
		e.Bonus = decimal.Zero
	}

	e.Owner = ""
	e.PrimaryNet = decimal.Zero
	e.PrimarySubsidy = decimal.Zero

	refund := feeBack.Add(subsidyBack).Add(netBack)
	return EntryResult{Gross: refund, Fee: feeBack, Subsidy: subsidyBack, Net: netBack}, nil
}

// --- Secondary side ---

// DepositResult reports how a secondary deposit was routed.
type DepositResult struct {
	Units      int64
	Fee        decimal.Decimal
	Bonus      decimal.Decimal
	Subsidy    decimal.Decimal
	Collateral decimal.Decimal
	UnitPrice  decimal.Decimal // spot price after issuance
}

// Deposit applies a secondary-side payment to an entry: protocol fee off the
// gross, popularity bonus off the remainder, subsidy balancer on what is
// left, and the final remainder is collateral fed to the pricing engine.
// A payment too small to cross one whole unit is rejected, not silently
// accepted.
func (b *Book) Deposit(participant, entryID string, gross decimal.Decimal) (DepositResult, error) {
	if participant == "" {
		return DepositResult{}, fmt.Errorf("%w: participant required", model.ErrInvalidAmount)
	}
	if gross.Sign() <= 0 {
		return DepositResult{}, fmt.Errorf("%w: deposit must be positive", model.ErrInvalidAmount)
	}
	e, err := b.Entry(entryID)
	if err != nil {
		return DepositResult{}, err
	}

	fee := b.fee(gross)
	afterFee := gross.Sub(fee)
	bonus := b.bonus(afterFee)
	afterBonus := afterFee.Sub(bonus)
	subsidy := balancer.Redirect(
		b.Pools.PrimaryTotal(), b.Pools.SecondaryTotal(),
		afterBonus, balancer.SideSecondary, b.cfg.Balancer,
	)
	collateral := afterBonus.Sub(subsidy)

	units := b.cv.Issue(e.Units, collateral)
	if units <= 0 {
		return DepositResult{}, fmt.Errorf("%w: payment below one unit at current price", model.ErrInvalidAmount)
	}

	b.Pools.ProtocolFees = b.Pools.ProtocolFees.Add(fee)
	b.Pools.OutstandingBonus = b.Pools.OutstandingBonus.Add(bonus)
	b.Pools.PrimarySubsidy = b.Pools.PrimarySubsidy.Add(subsidy)
	b.Pools.SecondaryCollateral = b.Pools.SecondaryCollateral.Add(collateral)

	e.Bonus = e.Bonus.Add(bonus)
	e.Collateral = e.Collateral.Add(collateral)
	e.Units += units

	key := model.PositionKey(participant, entryID)
	pos, ok := b.Positions[key]
	if !ok {
		pos = &model.ParticipantPosition{Participant: participant, EntryID: entryID}
		b.Positions[key] = pos
	}
	pos.Deposited = pos.Deposited.Add(collateral)
	pos.Subsidy = pos.Subsidy.Add(subsidy)

	return DepositResult{
		Units:      units,
		Fee:        fee,
		Bonus:      bonus,
		Subsidy:    subsidy,
		Collateral: collateral,
		UnitPrice:  b.cv.Price(e.Units),
	}, nil
}

// RevertDeposit backs out a deposit that just succeeded, restoring pools,
// entry, and position to their prior state. Callers use it when a downstream
// collaborator fails after the book committed, so a rejection leaves no
// partial state behind. The result must be the one the deposit returned.
func (b *Book) RevertDeposit(participant, entryID string, res DepositResult) {
	b.Pools.ProtocolFees = b.Pools.ProtocolFees.Sub(res.Fee)
	b.Pools.OutstandingBonus = b.Pools.OutstandingBonus.Sub(res.Bonus)
	b.Pools.PrimarySubsidy = b.Pools.PrimarySubsidy.Sub(res.Subsidy)
	b.Pools.SecondaryCollateral = b.Pools.SecondaryCollateral.Sub(res.Collateral)

	if e, ok := b.Entries[entryID]; ok {
		e.Bonus = e.Bonus.Sub(res.Bonus)
		e.Collateral = e.Collateral.Sub(res.Collateral)
		e.Units -= res.Units
	}

	key := model.PositionKey(participant, entryID)
	if pos, ok := b.Positions[key]; ok {
		pos.Deposited = pos.Deposited.Sub(res.Collateral)
		pos.Subsidy = pos.Subsidy.Sub(res.Subsidy)
		if pos.Deposited.IsZero() && pos.Subsidy.IsZero() {
			delete(b.Positions, key)
		}
	}
}

// WithdrawResult reports how a secondary withdrawal unwound the routing.
type WithdrawResult struct {
	Refund     decimal.Decimal
	Fee        decimal.Decimal
	Bonus      decimal.Decimal
	Subsidy    decimal.Decimal
	Collateral decimal.Decimal
}

// Withdraw burns units and refunds the proportional share of the
// participant's historical deposit, reversing fee, bonus, and subsidy with
// the same burned/held ratio. Each reversal is clipped to what the
// corresponding pool still holds: if state changed underneath, callers
// accept the then-current proportional math.
func (b *Book) Withdraw(participant, entryID string, burn, held int64) (WithdrawResult, error) {
	if burn <= 0 {
		return WithdrawResult{}, fmt.Errorf("%w: burn quantity must be positive", model.ErrInvalidAmount)
	}
	if held < burn {
		return WithdrawResult{}, fmt.Errorf("%w: unit balance %d below burn %d", model.ErrInvalidAmount, held, burn)
	}
	e, err := b.Entry(entryID)
	if err != nil {
		return WithdrawResult{}, err
	}
	pos, ok := b.Positions[model.PositionKey(participant, entryID)]
	if !ok {
		return WithdrawResult{}, fmt.Errorf("%w: no position for %s on %s", model.ErrNotFound, participant, entryID)
	}

	ratio := decimal.NewFromInt(burn).Div(decimal.NewFromInt(held))

	collateralOut := min2(pos.Deposited.Mul(ratio), min2(b.Pools.SecondaryCollateral, e.Collateral))
	subsidyOut := min2(pos.Subsidy.Mul(ratio), b.Pools.PrimarySubsidy)

	// Reconstruct the fee and bonus that produced this collateral+subsidy
	// slice, from the fixed routing rates, then clip to what remains.
	afterBonus := collateralOut.Add(subsidyOut)
	bonusOut := afterBonus.
		Mul(decimal.NewFromInt(b.cfg.BonusBps)).
		Div(decimal.NewFromInt(balancer.BpsDenominator - b.cfg.BonusBps))
	bonusOut = min2(bonusOut, min2(e.Bonus, b.Pools.OutstandingBonus))
	afterFee := afterBonus.Add(bonusOut)
	feeOut := afterFee.
		Mul(decimal.NewFromInt(b.cfg.FeeBps)).
		Div(decimal.NewFromInt(balancer.BpsDenominator - b.cfg.FeeBps))
	feeOut = min2(feeOut, b.Pools.ProtocolFees)

	b.Pools.SecondaryCollateral = b.Pools.SecondaryCollateral.Sub(collateralOut)
	b.Pools.PrimarySubsidy = b.Pools.PrimarySubsidy.Sub(subsidyOut)
	b.Pools.OutstandingBonus = b.Pools.OutstandingBonus.Sub(bonusOut)
	b.Pools.ProtocolFees = b.Pools.ProtocolFees.Sub(feeOut)

	e.Collateral = e.Collateral.Sub(collateralOut)
	e.Bonus = e.Bonus.Sub(bonusOut)
	e.Units -= burn

	pos.Deposited = pos.Deposited.Sub(collateralOut)
	pos.Subsidy = pos.Subsidy.Sub(subsidyOut)
	if burn == held && pos.Deposited.IsZero() && pos.Subsidy.IsZero() {
		delete(b.Positions, model.PositionKey(participant, entryID))
	}

	refund := collateralOut.Add(subsidyOut).Add(bonusOut).Add(feeOut)
	return WithdrawResult{
		Refund:     refund,
		Fee:        feeOut,
		Bonus:      bonusOut,
		Subsidy:    subsidyOut,
		Collateral: collateralOut,
	}, nil
}
