package clmath

import (
	"errors"

	"github.com/holiman/uint256"
)

var ErrMulDivOverflow = errors.New("muldiv overflow")

// MulDiv computes floor(a*b/d) with a 512-bit intermediate.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrMulDivOverflow
	}
	return out, nil
}

// MulDivRoundingUp computes ceil(a*b/d).
func MulDivRoundingUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	out, err := MulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(a, b, d).IsZero() {
		if out.Eq(maxUint256) {
			return nil, ErrMulDivOverflow
		}
		out.AddUint64(out, 1)
	}
	return out, nil
}

func divRoundingUp(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Div(a, b)
	if !new(uint256.Int).Mod(a, b).IsZero() {
		out.AddUint64(out, 1)
	}
	return out
}

func ordered(a, b *uint256.Int) (*uint256.Int, *uint256.Int) {
	if a.Gt(b) {
		return b, a
	}
	return a, b
}

// GetAmount0Delta returns the token0 amount between two sqrt prices for a liquidity.
func GetAmount0Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	if sqrtA.IsZero() {
		return nil, errors.New("sqrt price must be greater than zero")
	}
	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(sqrtB, sqrtA)

	if roundUp {
		inner, err := MulDivRoundingUp(numerator1, numerator2, sqrtB)
		if err != nil {
			return nil, err
		}
		return divRoundingUp(inner, sqrtA), nil
	}
	inner, err := MulDiv(numerator1, numerator2, sqrtB)
	if err != nil {
		return nil, err
	}
	return inner.Div(inner, sqrtA), nil
}

// GetAmount1Delta returns the token1 amount between two sqrt prices for a liquidity.
func GetAmount1Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	if roundUp {
		return MulDivRoundingUp(liquidity, diff, Q96)
	}
	return MulDiv(liquidity, diff, Q96)
}

// GetAmountsForLiquidity returns the token amounts represented by a liquidity
// in [sqrtA, sqrtB] at the current price.
func GetAmountsForLiquidity(sqrtPrice, sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, *uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	amount0 := new(uint256.Int)
	amount1 := new(uint256.Int)
	var err error

	switch {
	case !sqrtPrice.Gt(sqrtA):
		amount0, err = GetAmount0Delta(sqrtA, sqrtB, liquidity, roundUp)
	case sqrtPrice.Lt(sqrtB):
		amount0, err = GetAmount0Delta(sqrtPrice, sqrtB, liquidity, roundUp)
		if err == nil {
			amount1, err = GetAmount1Delta(sqrtA, sqrtPrice, liquidity, roundUp)
		}
	default:
		amount1, err = GetAmount1Delta(sqrtA, sqrtB, liquidity, roundUp)
	}
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}
