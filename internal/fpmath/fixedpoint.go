package fpmath

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig      = DecimalConfig{DecimalPrecision: 10, Scale: 10_000_000_000} // oracle prices
	CollateralConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}       // quote collateral units
	RateConfig       = DecimalConfig{DecimalPrecision: 10, Scale: 10_000_000_000} // funding rate per block
	PercentConfig    = DecimalConfig{DecimalPrecision: 10, Scale: 10_000_000_000} // fractions: 1e10 == 100%
)

// One is the fixed-point representation of 1.0 at percent/rate scale.
const One = int64(10_000_000_000)

// Pooled big.Int for intermediate calculations
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	intPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulBig performs a * b using arbitrary precision to prevent overflow
func MulBig(a, b int64) *big.Int {
	result := getInt()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivBig performs numerator / denominator with the given rounding mode.
// The numerator is returned to the pool.
func DivBig(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt()
	remainder := getInt()

	neg := numerator.Sign() < 0
	abs := getInt()
	abs.Abs(numerator)

	quotient.DivMod(abs, denom, remainder)
	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
		// Truncation toward zero
	}

	if neg {
		result = -result
	}

	putInt(quotient)
	putInt(remainder)
	putInt(abs)
	putInt(numerator)

	return result
}

// MulDiv computes a * b / denominator without intermediate overflow.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) int64 {
	return DivBig(MulBig(a, b), denominator, roundingMode)
}

// ApplyFraction scales an amount by a percent-scale fraction.
// amount * fraction / One, rounded down (conservative toward the pool).
func ApplyFraction(amount, fraction int64) int64 {
	return MulDiv(amount, fraction, One, RoundDown)
}

// PositionSize returns collateral * leverage in collateral units.
func PositionSize(collateral, leverage int64) int64 {
	return collateral * leverage
}

// PnLPercent returns the fraction of collateral gained or lost, percent scale.
// sideSign is +1 for long, -1 for short.
// pnlP = sideSign * (currentPrice - openPrice) / openPrice * leverage
func PnLPercent(sideSign, openPrice, currentPrice, leverage int64) int64 {
	if openPrice == 0 {
		return 0
	}
	diff := (currentPrice - openPrice) * sideSign
	return MulDiv(diff*leverage, One, openPrice, RoundHalfEven)
}

// FractionPow raises a percent-scale fraction to a small integer exponent.
// Exponent 0 yields One.
func FractionPow(fraction int64, exponent int) int64 {
	result := One
	for i := 0; i < exponent; i++ {
		result = MulDiv(result, fraction, One, RoundDown)
	}
	return result
}

// ClampAbs limits v to [-bound, bound]. bound must be non-negative.
func ClampAbs(v, bound int64) int64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// AbsInt64 returns |v|.
func AbsInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
