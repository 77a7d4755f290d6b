// Package settle converts an oracle-supplied outcome into payout figures and
// serves per-entry and per-participant claims against the ledger book.
//
// Settlement itself is pure bookkeeping: no transfers happen until claims.
// Primary payout figures are frozen at settlement time; each claim then
// draws from the live pools, splitting every draw pro-rata between the base
// pool and its subsidy pool so the two shrink together and never go
// negative.
package settle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tandemx/market-engine/internal/balancer"
	"github.com/tandemx/market-engine/internal/ledger"
	"github.com/tandemx/market-engine/internal/model"
)

var bps = decimal.NewFromInt(balancer.BpsDenominator)

// Settle validates the outcome and freezes the primary payout figures on the
// book. Weights must be strictly positive per winner and sum exactly to the
// whole. The first winner in settlement order is the designated secondary
// winner; if that entry has zero issued units, its secondary-side funds are
// folded into the primary payouts (split by the same weights, remainder to
// the top-weighted winner) rather than stranded.
func Settle(b *ledger.Book, winners []model.Winner, now time.Time) (*model.SettlementRecord, error) {
	if b.Settlement != nil {
		return nil, fmt.Errorf("%w: already settled", model.ErrPhaseViolation)
	}
	if len(winners) == 0 {
		return nil, fmt.Errorf("%w: no winners supplied", model.ErrInvariantBreach)
	}

	var sum int64
	seen := make(map[string]bool, len(winners))
	for _, w := range winners {
		if w.WeightBps <= 0 {
			return nil, fmt.Errorf("%w: winner %s weight must be positive", model.ErrInvariantBreach, w.EntryID)
		}
		if seen[w.EntryID] {
			return nil, fmt.Errorf("%w: duplicate winner %s", model.ErrInvariantBreach, w.EntryID)
		}
		seen[w.EntryID] = true
		if _, err := b.Entry(w.EntryID); err != nil {
			return nil, err
		}
		sum += w.WeightBps
	}
	if sum != balancer.BpsDenominator {
		return nil, fmt.Errorf("%w: weights sum to %d, want %d", model.ErrInvariantBreach, sum, balancer.BpsDenominator)
	}

	secondaryWinner := winners[0].EntryID

	// A winner nobody backed: fold its secondary funds into the primary
	// side before the figures are frozen. The move is internal, so fund
	// conservation is untouched.
	if b.Entries[secondaryWinner].Units == 0 {
		b.Pools.PrimaryCollateral = b.Pools.PrimaryCollateral.Add(b.Pools.SecondaryCollateral)
		b.Pools.PrimarySubsidy = b.Pools.PrimarySubsidy.Add(b.Pools.SecondarySubsidy)
		b.Pools.SecondaryCollateral = decimal.Zero
		b.Pools.SecondarySubsidy = decimal.Zero
	}

	// Figures draw from the collateral/subsidy pair only; outstanding
	// bonuses are paid separately per entry at claim time.
	funds := b.Pools.PrimaryCollateral.Add(b.Pools.PrimarySubsidy)
	payouts := make(map[string]decimal.Decimal, len(winners))
	distributed := decimal.Zero
	topIdx := 0
	for i, w := range winners {
		share := funds.Mul(decimal.NewFromInt(w.WeightBps)).Div(bps)
		payouts[w.EntryID] = share
		distributed = distributed.Add(share)
		if w.WeightBps > winners[topIdx].WeightBps {
			topIdx = i
		}
	}
	// Rounding remainder goes to the top-weighted winner.
	if rem := funds.Sub(distributed); rem.Sign() > 0 {
		top := winners[topIdx].EntryID
		payouts[top] = payouts[top].Add(rem)
	}

	rec := &model.SettlementRecord{
		Winners:         winners,
		SecondaryWinner: secondaryWinner,
		PrimaryPayouts:  payouts,
		SettledAt:       now,
	}
	b.Settlement = rec
	return rec, nil
}

// drawPair removes amount from a base/subsidy pool pair, split in the same
// ratio as their current balances. The draw is capped by what the pair
// holds and clipped so neither pool goes negative. Returns the amount
// actually drawn.
func drawPair(base, sub *decimal.Decimal, amount decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}
	total := base.Add(*sub)
	if total.Sign() <= 0 {
		return decimal.Zero
	}
	if amount.GreaterThan(total) {
		amount = total
	}
	baseShare := amount.Mul(*base).Div(total)
	if baseShare.GreaterThan(*base) {
		baseShare = *base
	}
	subShare := amount.Sub(baseShare)
	if subShare.GreaterThan(*sub) {
		subShare = *sub
	}
	*base = base.Sub(baseShare)
	*sub = sub.Sub(subShare)
	return baseShare.Add(subShare)
}

// PrimaryClaim is the result of a primary-side claim.
type PrimaryClaim struct {
	Payout decimal.Decimal
	Bonus  decimal.Decimal
}

// ClaimPrimary pays an entry owner their frozen settlement figure plus the
// entry's accrued popularity bonus. Non-winning entries have an implicit
// zero figure but still collect their bonus. The claim is capped by what
// the pools physically hold; a second claim on the same entry yields zero.
func ClaimPrimary(b *ledger.Book, entryID, caller string) (PrimaryClaim, error) {
	if b.Settlement == nil {
		return PrimaryClaim{}, fmt.Errorf("%w: not settled", model.ErrPhaseViolation)
	}
	e, err := b.Entry(entryID)
	if err != nil {
		return PrimaryClaim{}, err
	}
	if e.Owner != caller {
		return PrimaryClaim{}, fmt.Errorf("%w: not the entry owner", model.ErrUnauthorized)
	}

	entitled := b.Settlement.PrimaryPayouts[entryID]
	paid := drawPair(&b.Pools.PrimaryCollateral, &b.Pools.PrimarySubsidy, entitled)
	b.Settlement.PrimaryPayouts[entryID] = decimal.Zero
	e.PrimaryNet = decimal.Zero
	e.PrimarySubsidy = decimal.Zero

	bonus := e.Bonus
	if bonus.GreaterThan(b.Pools.OutstandingBonus) {
		bonus = b.Pools.OutstandingBonus
	}
	b.Pools.OutstandingBonus = b.Pools.OutstandingBonus.Sub(bonus)
	e.Bonus = decimal.Zero

	return PrimaryClaim{Payout: paid, Bonus: bonus}, nil
}

// SecondaryClaim is the result of a secondary-side claim.
type SecondaryClaim struct {
	Payout decimal.Decimal
	Burned int64
	Swept  bool // this claim emptied the entry and took the dust
}

// ClaimSecondary redeems units after settlement. Only holders of the
// designated winning entry receive a pro-rata share of the secondary-side
// funds, proportional to units burned over the entry's issued total at
// claim time; units on any other entry burn for zero. When a claim brings
// the winning entry's issued total to zero, the leftover rounding dust in
// the secondary pools is swept entirely to that last claimant.
//
// Withdrawn entries are claimable: the owner walked away, the unit holders
// did not.
func ClaimSecondary(b *ledger.Book, entryID string, burn, held int64) (SecondaryClaim, error) {
	if b.Settlement == nil {
		return SecondaryClaim{}, fmt.Errorf("%w: not settled", model.ErrPhaseViolation)
	}
	if burn <= 0 {
		return SecondaryClaim{}, fmt.Errorf("%w: burn quantity must be positive", model.ErrInvalidAmount)
	}
	if held < burn {
		return SecondaryClaim{}, fmt.Errorf("%w: unit balance %d below burn %d", model.ErrInvalidAmount, held, burn)
	}
	e, ok := b.Entries[entryID]
	if !ok {
		return SecondaryClaim{}, fmt.Errorf("%w: entry %s", model.ErrNotFound, entryID)
	}
	if e.Units < burn {
		return SecondaryClaim{}, fmt.Errorf("%w: entry has %d units issued, burn %d", model.ErrInvalidAmount, e.Units, burn)
	}

	claim := SecondaryClaim{Burned: burn}

	if entryID == b.Settlement.SecondaryWinner {
		funds := b.Pools.SecondaryCollateral.Add(b.Pools.SecondarySubsidy)
		entitled := funds.
			Mul(decimal.NewFromInt(burn)).
			Div(decimal.NewFromInt(e.Units))
		claim.Payout = drawPair(&b.Pools.SecondaryCollateral, &b.Pools.SecondarySubsidy, entitled)
	}

	e.Units -= burn

	if e.Units == 0 {
		// Last claim: sweep whatever rounding dust the market still holds
		// on the secondary side, and destroy the entry's balances.
		if entryID == b.Settlement.SecondaryWinner {
			dust := drawPair(&b.Pools.SecondaryCollateral, &b.Pools.SecondarySubsidy,
				b.Pools.SecondaryCollateral.Add(b.Pools.SecondarySubsidy))
			if dust.Sign() > 0 {
				claim.Payout = claim.Payout.Add(dust)
				claim.Swept = true
			}
		}
		e.Collateral = decimal.Zero
	}

	return claim, nil
}
