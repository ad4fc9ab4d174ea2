package clmath

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrLiquidityOverflow = errors.New("liquidity overflow")

	// MaxUint128 bounds position liquidity.
	MaxUint128 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1)
)

// GetLiquidityForAmount0 returns the liquidity funded by amount0 across [sqrtA, sqrtB].
func GetLiquidityForAmount0(sqrtA, sqrtB, amount0 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	if sqrtA.Eq(sqrtB) {
		return new(uint256.Int), nil
	}
	intermediate, err := MulDiv(sqrtA, sqrtB, Q96)
	if err != nil {
		return nil, err
	}
	return MulDiv(amount0, intermediate, new(uint256.Int).Sub(sqrtB, sqrtA))
}

// GetLiquidityForAmount1 returns the liquidity funded by amount1 across [sqrtA, sqrtB].
func GetLiquidityForAmount1(sqrtA, sqrtB, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)
	if sqrtA.Eq(sqrtB) {
		return new(uint256.Int), nil
	}
	return MulDiv(amount1, Q96, new(uint256.Int).Sub(sqrtB, sqrtA))
}

// GetLiquidityForAmounts returns the maximum liquidity that amount0 and amount1
// can fund at the current price. The result is capped to uint128.
func GetLiquidityForAmounts(sqrtPrice, sqrtA, sqrtB, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB = ordered(sqrtA, sqrtB)

	var liquidity *uint256.Int
	var err error
	switch {
	case !sqrtPrice.Gt(sqrtA):
		liquidity, err = GetLiquidityForAmount0(sqrtA, sqrtB, amount0)
	case sqrtPrice.Lt(sqrtB):
		var liquidity0, liquidity1 *uint256.Int
		liquidity0, err = GetLiquidityForAmount0(sqrtPrice, sqrtB, amount0)
		if err != nil {
			return nil, err
		}
		liquidity1, err = GetLiquidityForAmount1(sqrtA, sqrtPrice, amount1)
		if err != nil {
			return nil, err
		}
		liquidity = liquidity0
		if liquidity1.Lt(liquidity0) {
			liquidity = liquidity1
		}
	default:
		liquidity, err = GetLiquidityForAmount1(sqrtA, sqrtB, amount1)
	}
	if err != nil {
		return nil, err
	}
	if liquidity.Gt(MaxUint128) {
		return nil, ErrLiquidityOverflow
	}
	return liquidity, nil
}
