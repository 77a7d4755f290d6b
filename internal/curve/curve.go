// Package curve implements the quadratic bonding curve used to price
// secondary-market units:
//
//	price(s) = floor + coeff * (s / scale)^2
//
// Price is strictly non-decreasing in issued supply s, with a hard floor.
// Supply is quantized by scale before squaring: all supplies inside one
// scale bucket price identically. This is a deliberate quantization that
// bounds intermediate magnitudes for supplies up to MaxSupply, at the cost
// of a known precision loss band below scale — not a bug.
//
// Issue inverts the cost integral numerically: since the integral of a
// quadratic price is cubic in the purchased quantity, there is no clean
// closed form once quantization enters, so the solver brackets and
// binary-searches using Simpson's-rule quadrature as the cost estimator.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Unit counts are int64.
package curve

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidFloor is returned when the price floor is not positive.
	ErrInvalidFloor = errors.New("curve: price floor must be positive")

	// ErrInvalidCoeff is returned when the quadratic coefficient is negative.
	ErrInvalidCoeff = errors.New("curve: coefficient must be non-negative")

	// ErrInvalidScale is returned when the supply quantization scale is < 1.
	ErrInvalidScale = errors.New("curve: scale must be at least 1")
)

// MaxSupply is the documented maximum supply the curve is defined for.
// Beyond this, (s/scale)^2 is no longer guaranteed to stay in range for
// downstream integer consumers.
const MaxSupply int64 = 1 << 53

// SearchIterations is the fixed iteration ceiling for the issuance search.
const SearchIterations = 50

var (
	four = decimal.NewFromInt(4)
	six  = decimal.NewFromInt(6)
)

// Curve is a stateless pricing engine. Supply is passed as an argument,
// never stored.
type Curve struct {
	floor decimal.Decimal
	coeff decimal.Decimal
	scale int64
}

// New creates a bonding curve with the given floor price, quadratic
// coefficient, and supply quantization scale.
func New(floor, coeff decimal.Decimal, scale int64) (*Curve, error) {
	if floor.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidFloor
	}
	if coeff.IsNegative() {
		return nil, ErrInvalidCoeff
	}
	if scale < 1 {
		return nil, ErrInvalidScale
	}
	return &Curve{floor: floor, coeff: coeff, scale: scale}, nil
}

// Floor returns the price floor.
func (c *Curve) Floor() decimal.Decimal { return c.floor }

// Coeff returns the quadratic coefficient.
func (c *Curve) Coeff() decimal.Decimal { return c.coeff }

// Scale returns the supply quantization scale.
func (c *Curve) Scale() int64 { return c.scale }

// Price returns the spot price at supply s. Total and pure: negative
// supplies clamp to zero, and the result never falls below the floor.
func (c *Curve) Price(s int64) decimal.Decimal {
	if s < 0 {
		s = 0
	}
	// Integer truncation is the quantization step.
	q := decimal.NewFromInt(s / c.scale)
	return c.floor.Add(c.coeff.Mul(q).Mul(q))
}

// Cost estimates the integral of Price over [s, s+delta] using Simpson's
// 3-point rule:
//
//	(delta/6) * (price(s) + 4*price(s+delta/2) + price(s+delta))
//
// Exact for the un-quantized quadratic; within one bucket's worth of
// quantization error otherwise.
func (c *Curve) Cost(s, delta int64) decimal.Decimal {
	if delta <= 0 {
		return decimal.Zero
	}
	a := c.Price(s)
	m := c.Price(s + delta/2)
	b := c.Price(s + delta)
	return decimal.NewFromInt(delta).Mul(a.Add(m.Mul(four)).Add(b)).Div(six)
}

// Issue converts a payment at supply s into a whole number of units such
// that the estimated cost of those units never exceeds the payment.
//
// Procedure: seed delta0 = payment / price(s), bracket [delta0/2, delta0*2],
// then binary-search a fixed number of iterations comparing Cost against the
// payment, converging when the bracket narrows to one unit. The low end of
// the final bracket is returned, so issuance always rounds down and the
// buyer is never overcharged.
//
// Issue(s, 0) = 0. A payment too small to cross one whole unit at the
// current price yields zero units; callers must reject zero-unit purchases
// rather than accept them silently.
func (c *Curve) Issue(s int64, payment decimal.Decimal) int64 {
	if payment.Sign() <= 0 {
		return 0
	}

	seed := payment.Div(c.Price(s)).IntPart()
	if seed <= 0 {
		return 0
	}
	// Clamp before doubling: a huge payment can seed past the remaining
	// room, and seed*2 must not overflow int64.
	if room := MaxSupply - s; seed > room {
		seed = room
	}

	lo := seed / 2
	hi := seed * 2
	if room := MaxSupply - s; hi > room {
		hi = room
		if lo > hi {
			lo = hi
		}
	}
	if hi <= lo {
		hi = lo + 1
	}

	for i := 0; i < SearchIterations && hi-lo > 1; i++ {
		mid := lo + (hi-lo)/2
		if c.Cost(s, mid).LessThanOrEqual(payment) {
			lo = mid
		} else {
			hi = mid
		}
	}

	// The low bracket end was seeded, not proven; on steep curve segments
	// even delta0/2 can overshoot. Zero units is the no-overcharge answer.
	if lo > 0 && c.Cost(s, lo).GreaterThan(payment) {
		return 0
	}
	return lo
}
