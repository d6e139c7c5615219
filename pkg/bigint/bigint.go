// Package bigint provides full-precision integer helpers for asset and
// share arithmetic. Amounts are token smallest units and can exceed 64
// bits on either side of a multiply, so everything goes through
// math/big with no intermediate truncation.
package bigint

import "math/big"

var (
	Zero = big.NewInt(0)
	One  = big.NewInt(1)
)

// MulDiv returns floor(a * b / d). Panics if d is zero, matching the
// behavior of big.Int division.
func MulDiv(a, b, d *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, d)
}

// MulDivUp returns ceil(a * b / d).
func MulDivUp(a, b, d *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(p, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, One)
	}
	return q
}

// Min returns a fresh copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clone returns a fresh copy of a, treating nil as zero.
func Clone(a *big.Int) *big.Int {
	if a == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a)
}
