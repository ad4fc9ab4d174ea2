package manager

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"liquidityManager/internal/clmath"
	"liquidityManager/internal/model"
)

const bpsDenominator = 10000

// minimums returns the least amounts a pool call may settle for. Explicit
// minimums win; otherwise the expected amounts at the current price are
// reduced by SlippageBps.
func (m *Manager) minimums(o options, slot0 model.Slot0, lower, upper int32, desired0, desired1 *big.Int) (*big.Int, *big.Int, error) {
	if o.min0 != nil || o.min1 != nil {
		min0, min1 := orZero(o.min0), orZero(o.min1)
		if min0.Sign() < 0 || min1.Sign() < 0 {
			return nil, nil, fmt.Errorf("negative minimum: %w", model.ErrInvalidAmount)
		}
		if min0.Sign() == 0 && min1.Sign() == 0 && !m.cfg.AllowZeroMinimums {
			return nil, nil, fmt.Errorf("zero minimums are disabled: %w", model.ErrInvalidAmount)
		}
		return new(big.Int).Set(min0), new(big.Int).Set(min1), nil
	}
	if m.cfg.SlippageBps == 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}

	expected0, expected1, err := expectedAmounts(slot0, lower, upper, desired0, desired1)
	if err != nil {
		return nil, nil, err
	}
	return m.applySlippage(expected0), m.applySlippage(expected1), nil
}

// expectedAmounts is what depositing desired0/desired1 into [lower, upper]
// consumes at the current price, rounded down.
func expectedAmounts(slot0 model.Slot0, lower, upper int32, desired0, desired1 *big.Int) (*big.Int, *big.Int, error) {
	if slot0.SqrtPriceX96 == nil {
		return nil, nil, fmt.Errorf("slot0 has no price")
	}
	sqrtPrice, overflow := uint256.FromBig(slot0.SqrtPriceX96)
	if overflow {
		return nil, nil, fmt.Errorf("sqrt price overflows uint256")
	}
	d0, overflow0 := uint256.FromBig(orZero(desired0))
	d1, overflow1 := uint256.FromBig(orZero(desired1))
	if overflow0 || overflow1 {
		return nil, nil, fmt.Errorf("desired amount overflows uint256: %w", model.ErrInvalidAmount)
	}
	sqrtA, err := clmath.GetSqrtRatioAtTick(lower)
	if err != nil {
		return nil, nil, fmt.Errorf("lower tick: %v: %w", err, model.ErrInvalidRange)
	}
	sqrtB, err := clmath.GetSqrtRatioAtTick(upper)
	if err != nil {
		return nil, nil, fmt.Errorf("upper tick: %v: %w", err, model.ErrInvalidRange)
	}
	liquidity, err := clmath.GetLiquidityForAmounts(sqrtPrice, sqrtA, sqrtB, d0, d1)
	if err != nil {
		return nil, nil, fmt.Errorf("expected liquidity: %w", err)
	}
	a0, a1, err := clmath.GetAmountsForLiquidity(sqrtPrice, sqrtA, sqrtB, liquidity, false)
	if err != nil {
		return nil, nil, fmt.Errorf("expected amounts: %w", err)
	}
	return a0.ToBig(), a1.ToBig(), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
