package manager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityManager/internal/model"
	"liquidityManager/internal/pool"
)

// IncreaseLiquidityCurrentRange pulls amount0/amount1 from caller and adds
// them to an existing position on its recorded range. Pulled tokens the pool
// does not take are credited to the caller.
func (m *Manager) IncreaseLiquidityCurrentRange(ctx context.Context, caller common.Address, id model.PositionID, amount0, amount1 *big.Int, opts ...Option) (res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := collectOptions(opts)
	u := m.begin(opIncrease)
	defer u.finish(ctx, &err)

	dep, err := m.ledger.Get(id)
	if err != nil {
		return res, err
	}
	amount0, amount1 = orZero(amount0), orZero(amount1)
	if amount0.Sign() < 0 || amount1.Sign() < 0 {
		return res, fmt.Errorf("increase %s: negative amount: %w", id, model.ErrInvalidAmount)
	}
	if amount0.Sign() == 0 && amount1.Sign() == 0 {
		return res, fmt.Errorf("increase %s: nothing to add: %w", id, model.ErrZeroLiquidity)
	}

	if err := m.pull(ctx, u, caller, amount0, amount1); err != nil {
		return res, err
	}

	slot0, err := m.pool.Slot0(ctx)
	if err != nil {
		return res, fmt.Errorf("read slot0: %w", err)
	}
	min0, min1, err := m.minimums(o, slot0, dep.TickLower, dep.TickUpper, amount0, amount1)
	if err != nil {
		return res, err
	}

	spender := m.pool.Spender()
	if err := m.custody.GrantAllowance(ctx, spender, dep.Token0, amount0); err != nil {
		return res, fmt.Errorf("approve %s: %w", m.cfg.Token0.Symbol, err)
	}
	if err := m.custody.GrantAllowance(ctx, spender, dep.Token1, amount1); err != nil {
		return res, fmt.Errorf("approve %s: %w", m.cfg.Token1.Symbol, err)
	}

	added, err := m.pool.AddLiquidity(ctx, pool.AddParams{
		PositionID:     id,
		Amount0Desired: amount0,
		Amount1Desired: amount1,
		Amount0Min:     min0,
		Amount1Min:     min1,
		Deadline:       m.deadline(o),
	})
	if err != nil {
		return res, fmt.Errorf("add liquidity %s: %w", id, err)
	}
	u.poolCommitted()

	total := new(big.Int).Add(dep.Liquidity, added.Liquidity)
	if err := m.ledger.SetLiquidity(id, total); err != nil {
		return res, err
	}
	unused0 := new(big.Int).Sub(amount0, added.Amount0)
	unused1 := new(big.Int).Sub(amount1, added.Amount1)
	if unused0.Sign() < 0 || unused1.Sign() < 0 {
		return res, fmt.Errorf("pool took %s/%s of %s/%s: %w",
			added.Amount0, added.Amount1, amount0, amount1, model.ErrInsufficientCustodyBalance)
	}
	if err := m.ledger.Credit(caller, unused0, unused1); err != nil {
		return res, err
	}

	ev := u.emit(model.EventLiquidityIncreased, id, model.LiquidityIncreasedData{
		PositionID: id,
		Liquidity:  added.Liquidity.String(),
		Amount0:    added.Amount0.String(),
		Amount1:    added.Amount1.String(),
	})
	if err := u.commit(ctx); err != nil {
		return res, err
	}

	dep.Liquidity = total
	m.logger.Info("liquidity increased",
		zap.Uint64("position_id", uint64(id)),
		zap.String("caller", caller.Hex()),
		zap.String("added", added.Liquidity.String()),
		zap.String("liquidity", total.String()),
		zap.String("amount0", added.Amount0.String()),
		zap.String("amount1", added.Amount1.String()),
	)
	return Result{
		Deposit:   dep,
		Liquidity: new(big.Int).Set(added.Liquidity),
		Amount0:   new(big.Int).Set(added.Amount0),
		Amount1:   new(big.Int).Set(added.Amount1),
		Event:     ev,
	}, nil
}

// pull moves both amounts from caller into custody. On custody backends that
// cannot snapshot, each committed leg is refunded if the operation fails.
func (m *Manager) pull(ctx context.Context, u *unit, caller common.Address, amount0, amount1 *big.Int) error {
	legs := []struct {
		meta   model.TokenMeta
		amount *big.Int
	}{
		{m.cfg.Token0, amount0},
		{m.cfg.Token1, amount1},
	}
	for _, leg := range legs {
		if leg.amount.Sign() == 0 {
			continue
		}
		if err := m.custody.PullFrom(ctx, caller, leg.meta.Address, leg.amount); err != nil {
			return fmt.Errorf("pull %s: %w", leg.meta.Symbol, err)
		}
		if !canRestore(m.custody) {
			token, amount := leg.meta.Address, new(big.Int).Set(leg.amount)
			u.compensate("refund "+leg.meta.Symbol, func(ctx context.Context) error {
				return m.custody.PushTo(ctx, caller, token, amount)
			})
		}
	}
	return nil
}
