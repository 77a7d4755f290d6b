// Package limits enforces deposit limits per participant.
//
// A participant spraying deposits across every entry in a market carries
// aggregate risk the per-entry check alone misses, so the limiter checks
// both the single-entry deposit total and the participant's aggregate
// across all entries.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerEntryLimitExceeded is returned when a deposit would push the
	// participant's total on a single entry beyond the per-entry maximum.
	ErrPerEntryLimitExceeded = errors.New("limits: per-entry deposit limit exceeded")

	// ErrAggregateLimitExceeded is returned when a deposit would push the
	// participant's aggregate across all entries beyond the maximum.
	ErrAggregateLimitExceeded = errors.New("limits: aggregate deposit limit exceeded")
)

// DepositLimiter enforces per-entry and aggregate deposit limits.
// A zero limit disables the corresponding check.
type DepositLimiter struct {
	// MaxPerEntry is the maximum deposited total on any single entry.
	MaxPerEntry decimal.Decimal

	// MaxAggregate is the maximum deposited total across all entries.
	MaxAggregate decimal.Decimal
}

// NewDepositLimiter creates a limiter with the given per-entry and
// aggregate limits.
func NewDepositLimiter(maxPerEntry, maxAggregate decimal.Decimal) *DepositLimiter {
	return &DepositLimiter{
		MaxPerEntry:  maxPerEntry,
		MaxAggregate: maxAggregate,
	}
}

// CheckDeposit validates whether a deposit respects the limits.
//
// Parameters:
//   - targetEntry: entry receiving the deposit
//   - amount: incoming deposit amount
//   - existing: map of entryID → deposited total for this participant
//
// Returns nil if the deposit is within limits.
func (l *DepositLimiter) CheckDeposit(
	targetEntry string,
	amount decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	newOnEntry := existing[targetEntry].Add(amount)
	if l.MaxPerEntry.IsPositive() && newOnEntry.GreaterThan(l.MaxPerEntry) {
		return ErrPerEntryLimitExceeded
	}

	if l.MaxAggregate.IsPositive() {
		total := amount
		for _, deposited := range existing {
			total = total.Add(deposited)
		}
		if total.GreaterThan(l.MaxAggregate) {
			return ErrAggregateLimitExceeded
		}
	}

	return nil
}
