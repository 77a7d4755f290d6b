// Package balancer computes the inter-pool subsidy: how much of an incoming
// net deposit is redirected to the opposite pool to pull the primary side's
// share of total value toward a configured target.
//
// The functions here are side-effect free; the caller applies the returned
// amount to pool balances. All monetary values use shopspring/decimal.
package balancer

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Side identifies which pool an incoming deposit lands on.
type Side int

const (
	SidePrimary Side = iota
	SideSecondary
)

// BpsDenominator is the basis-point whole.
const BpsDenominator int64 = 10000

var (
	// ErrInvalidTarget is returned when the target share is outside (0, 10000].
	ErrInvalidTarget = errors.New("balancer: target bps must be in (0, 10000]")

	// ErrInvalidCap is returned when the per-deposit cap exceeds the whole.
	ErrInvalidCap = errors.New("balancer: cap bps must be in [0, 10000]")
)

var bpsWhole = decimal.NewFromInt(BpsDenominator)

// Config holds the target primary-side share of total value and the
// per-deposit redirect cap, both in basis points.
type Config struct {
	TargetBps int64
	CapBps    int64
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.TargetBps <= 0 || c.TargetBps > BpsDenominator {
		return ErrInvalidTarget
	}
	if c.CapBps < 0 || c.CapBps > BpsDenominator {
		return ErrInvalidCap
	}
	return nil
}

func (c Config) target() decimal.Decimal {
	return decimal.NewFromInt(c.TargetBps).Div(bpsWhole)
}

func (c Config) cap(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(c.CapBps)).Div(bpsWhole)
}

// Redirect computes how much of the incoming net amount must move to the
// opposite pool. primaryTotal and secondaryTotal are the current side
// totals (collateral + subsidy received + outstanding bonuses for the
// secondary side). The projection assumes the full amount first lands on
// its deposit side; if the primary share already satisfies the target,
// nothing is redirected. Otherwise the redirect is the minimum of the
// amount needed to exactly hit the target, the per-deposit cap, and the
// incoming amount itself. A single deposit never redirects both ways.
func Redirect(primaryTotal, secondaryTotal, amount decimal.Decimal, side Side, cfg Config) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}

	// Redirecting moves value between sides without changing the grand
	// total, so the denominator is fixed once the deposit lands.
	grand := primaryTotal.Add(secondaryTotal).Add(amount)
	if grand.Sign() <= 0 {
		return decimal.Zero
	}
	targetValue := cfg.target().Mul(grand)

	var needed decimal.Decimal
	switch side {
	case SidePrimary:
		// Deposit lands on primary; redirect toward secondary only when the
		// projected primary share exceeds the target.
		projected := primaryTotal.Add(amount)
		if projected.LessThanOrEqual(targetValue) {
			return decimal.Zero
		}
		needed = projected.Sub(targetValue)
	case SideSecondary:
		// Deposit lands on secondary; redirect toward primary only when the
		// primary share falls below the target.
		if primaryTotal.GreaterThanOrEqual(targetValue) {
			return decimal.Zero
		}
		needed = targetValue.Sub(primaryTotal)
	default:
		return decimal.Zero
	}

	redirect := needed
	if capped := cfg.cap(amount); redirect.GreaterThan(capped) {
		redirect = capped
	}
	if redirect.GreaterThan(amount) {
		redirect = amount
	}
	if redirect.IsNegative() {
		return decimal.Zero
	}
	return redirect
}
