package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// E6 is the scale shared by prices, quantities, notionals and fees.
var E6 = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow.
// The caller owns the result and should hand it back with Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns an intermediate obtained from this package to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivTrunc divides toward zero and narrows to int64. Narrowing keeps the low
// 64 bits, so an out-of-range quotient wraps rather than saturating.
func DivTrunc(numerator *big.Int, denominator int64) int64 {
	q := getInt128()
	q.Quo(numerator, big.NewInt(denominator))
	result := narrow(q)
	putInt128(q)
	return result
}

func narrow(v *big.Int) int64 {
	if v.IsInt64() {
		return v.Int64()
	}
	m := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0)))
	return int64(m.Uint64())
}

// Notional computes price_e6 * qty_e6 / 1_000_000 with a 128-bit intermediate
// and truncating division.
func Notional(priceE6, qtyE6 int64) int64 {
	raw := MultiplyInt128(priceE6, qtyE6)
	result := DivTrunc(raw, E6.Scale)
	putInt128(raw)
	return result
}

// Accumulator sums int64 terms without overflowing. Used for batch totals,
// which are compared against the relayer-supplied int64 values.
type Accumulator struct {
	sum big.Int
}

func (a *Accumulator) Add(v int64) {
	a.sum.Add(&a.sum, big.NewInt(v))
}

// AddNotional adds price*qty/1e6 for one trade. The quotient is added at full
// width, so a notional that does not fit in int64 makes the sum unrepresentable
// instead of wrapping.
func (a *Accumulator) AddNotional(priceE6, qtyE6 int64) {
	raw := MultiplyInt128(priceE6, qtyE6)
	raw.Quo(raw, big.NewInt(E6.Scale))
	a.sum.Add(&a.sum, raw)
	putInt128(raw)
}

// Equals reports whether the exact sum equals v. A sum that does not fit in
// int64 never equals any int64.
func (a *Accumulator) Equals(v int64) bool {
	return a.sum.IsInt64() && a.sum.Int64() == v
}

// Int64 returns the sum and whether it fits in int64.
func (a *Accumulator) Int64() (int64, bool) {
	if !a.sum.IsInt64() {
		return 0, false
	}
	return a.sum.Int64(), true
}
