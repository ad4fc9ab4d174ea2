package manager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"liquidityManager/internal/clmath"
	"liquidityManager/internal/model"
	"liquidityManager/internal/pool"
)

// DecreaseLiquidityInHalf removes floor(L/2) of a position's liquidity and
// collects everything owed to the deposit owner. With L == 1 nothing is
// removed and the collect still runs.
//
// When the pool cannot roll back, the removal is recorded as a pending
// collection before collecting, so a failed collect can be finished later
// with CollectPending.
func (m *Manager) DecreaseLiquidityInHalf(ctx context.Context, id model.PositionID, opts ...Option) (res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := collectOptions(opts)
	u := m.begin(opDecrease)
	defer u.finish(ctx, &err)

	dep, err := m.ledger.Get(id)
	if err != nil {
		return res, err
	}
	if _, pending := m.ledger.Pending(id); pending {
		return res, fmt.Errorf("decrease %s: %w", id, model.ErrCollectionPending)
	}

	toRemove := new(big.Int).Rsh(dep.Liquidity, 1)
	remaining := new(big.Int).Sub(dep.Liquidity, toRemove)

	if toRemove.Sign() > 0 {
		slot0, err := m.pool.Slot0(ctx)
		if err != nil {
			return res, fmt.Errorf("read slot0: %w", err)
		}
		min0, min1, err := m.removeMinimums(o, slot0, dep, toRemove)
		if err != nil {
			return res, err
		}
		removed, err := m.pool.RemoveLiquidity(ctx, pool.RemoveParams{
			PositionID: id,
			Liquidity:  toRemove,
			Amount0Min: min0,
			Amount1Min: min1,
			Deadline:   m.deadline(o),
		})
		if err != nil {
			return res, fmt.Errorf("remove liquidity %s: %w", id, err)
		}
		u.poolCommitted()
		if u.irreversible {
			if err := m.ledger.SetLiquidity(id, remaining); err != nil {
				return res, err
			}
			if err := m.ledger.MarkCollectionPending(id, removed.Amount0, removed.Amount1, m.cfg.Clock()); err != nil {
				return res, err
			}
			if err := u.save(ctx); err != nil {
				m.logger.Error("pending collection not saved", zap.Uint64("position_id", uint64(id)), zap.Error(err))
			}
		}
	}

	collected, err := m.pool.CollectOwed(ctx, pool.CollectParams{
		PositionID: id,
		Recipient:  dep.Owner,
		Amount0Max: pool.MaxCollect(),
		Amount1Max: pool.MaxCollect(),
	})
	if err != nil {
		if _, pending := m.ledger.Pending(id); pending {
			return res, fmt.Errorf("collect %s: %w: %w", id, model.ErrCollectionPending, err)
		}
		return res, fmt.Errorf("collect %s: %w", id, err)
	}
	u.poolCommitted()

	if err := m.ledger.SetLiquidity(id, remaining); err != nil {
		return res, err
	}
	m.ledger.ClearCollectionPending(id)

	ev := u.emit(model.EventLiquidityDecreasedByHalf, id, model.LiquidityDecreasedByHalfData{
		PositionID: id,
		Amount0:    collected.Amount0.String(),
		Amount1:    collected.Amount1.String(),
	})
	if err := u.commit(ctx); err != nil {
		return res, err
	}

	dep.Liquidity = remaining
	m.logger.Info("liquidity decreased by half",
		zap.Uint64("position_id", uint64(id)),
		zap.String("removed", toRemove.String()),
		zap.String("liquidity", remaining.String()),
		zap.String("amount0", collected.Amount0.String()),
		zap.String("amount1", collected.Amount1.String()),
	)
	return Result{
		Deposit:   dep,
		Liquidity: toRemove,
		Amount0:   new(big.Int).Set(collected.Amount0),
		Amount1:   new(big.Int).Set(collected.Amount1),
		Event:     ev,
	}, nil
}

// CollectPending finishes a decrease whose collect failed after the pool had
// already removed the liquidity. It emits the deferred decrease event.
func (m *Manager) CollectPending(ctx context.Context, id model.PositionID) (res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.begin(opCollect)
	defer u.finish(ctx, &err)

	dep, err := m.ledger.Get(id)
	if err != nil {
		return res, err
	}
	pending, ok := m.ledger.Pending(id)
	if !ok {
		return res, fmt.Errorf("position %s: %w", id, model.ErrNoPendingCollection)
	}

	collected, err := m.pool.CollectOwed(ctx, pool.CollectParams{
		PositionID: id,
		Recipient:  dep.Owner,
		Amount0Max: pool.MaxCollect(),
		Amount1Max: pool.MaxCollect(),
	})
	if err != nil {
		return res, fmt.Errorf("collect %s: %w: %w", id, model.ErrCollectionPending, err)
	}
	u.poolCommitted()
	m.ledger.ClearCollectionPending(id)

	ev := u.emit(model.EventLiquidityDecreasedByHalf, id, model.LiquidityDecreasedByHalfData{
		PositionID: id,
		Amount0:    collected.Amount0.String(),
		Amount1:    collected.Amount1.String(),
	})
	if err := u.commit(ctx); err != nil {
		return res, err
	}

	m.logger.Info("pending collection collected",
		zap.Uint64("position_id", uint64(id)),
		zap.Time("recorded_at", pending.RecordedAt),
		zap.String("amount0", collected.Amount0.String()),
		zap.String("amount1", collected.Amount1.String()),
	)
	return Result{
		Deposit:   dep,
		Liquidity: big.NewInt(0),
		Amount0:   new(big.Int).Set(collected.Amount0),
		Amount1:   new(big.Int).Set(collected.Amount1),
		Event:     ev,
	}, nil
}

// removeMinimums bounds the amounts released by burning liquidity from dep.
func (m *Manager) removeMinimums(o options, slot0 model.Slot0, dep model.Deposit, liquidity *big.Int) (*big.Int, *big.Int, error) {
	if o.min0 != nil || o.min1 != nil {
		return m.minimums(o, slot0, dep.TickLower, dep.TickUpper, nil, nil)
	}
	if m.cfg.SlippageBps == 0 || slot0.SqrtPriceX96 == nil {
		return big.NewInt(0), big.NewInt(0), nil
	}
	sqrtPrice, overflow := uint256.FromBig(slot0.SqrtPriceX96)
	if overflow {
		return nil, nil, fmt.Errorf("sqrt price overflows uint256")
	}
	l, overflow := uint256.FromBig(liquidity)
	if overflow {
		return nil, nil, fmt.Errorf("liquidity overflows uint256: %w", model.ErrInvalidAmount)
	}
	sqrtA, err := clmath.GetSqrtRatioAtTick(dep.TickLower)
	if err != nil {
		return nil, nil, fmt.Errorf("lower tick: %v: %w", err, model.ErrInvalidRange)
	}
	sqrtB, err := clmath.GetSqrtRatioAtTick(dep.TickUpper)
	if err != nil {
		return nil, nil, fmt.Errorf("upper tick: %v: %w", err, model.ErrInvalidRange)
	}
	a0, a1, err := clmath.GetAmountsForLiquidity(sqrtPrice, sqrtA, sqrtB, l, false)
	if err != nil {
		return nil, nil, fmt.Errorf("expected amounts: %w", err)
	}
	return m.applySlippage(a0.ToBig()), m.applySlippage(a1.ToBig()), nil
}

func (m *Manager) applySlippage(expected *big.Int) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(int64(bpsDenominator-m.cfg.SlippageBps)))
	return out.Quo(out, big.NewInt(bpsDenominator))
}
