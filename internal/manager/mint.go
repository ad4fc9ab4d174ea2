package manager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityManager/internal/clmath"
	"liquidityManager/internal/model"
	"liquidityManager/internal/pool"
)

const (
	opMint     = "mint"
	opIncrease = "increase"
	opDecrease = "decrease"
	opCollect  = "collect"
	opDeposit  = "deposit"
	opWithdraw = "withdraw"
)

// Result describes a committed lifecycle operation. Liquidity is the minted,
// added or removed amount; Amount0/Amount1 are the tokens the pool took or
// paid out.
type Result struct {
	Deposit   model.Deposit
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
	Event     model.Event
}

// MintNewPosition opens a position with the whole custody balance of the
// pair, in a range centered on the current tick. The caller becomes the
// owner. Unallocated credit held by other owners is consumed too and each
// such sweep is logged. Whatever the pool does not take stays in custody,
// credited to the caller.
func (m *Manager) MintNewPosition(ctx context.Context, caller common.Address, opts ...Option) (res Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := collectOptions(opts)
	u := m.begin(opMint)
	defer u.finish(ctx, &err)

	token0, token1 := m.cfg.Token0.Address, m.cfg.Token1.Address
	balance0, err := m.custody.BalanceOf(ctx, token0)
	if err != nil {
		return res, fmt.Errorf("custody balance %s: %w", m.cfg.Token0.Symbol, err)
	}
	balance1, err := m.custody.BalanceOf(ctx, token1)
	if err != nil {
		return res, fmt.Errorf("custody balance %s: %w", m.cfg.Token1.Symbol, err)
	}
	if balance0.Sign() == 0 && balance1.Sign() == 0 {
		return res, fmt.Errorf("mint: custody is empty: %w", model.ErrZeroLiquidity)
	}

	slot0, err := m.pool.Slot0(ctx)
	if err != nil {
		return res, fmt.Errorf("read slot0: %w", err)
	}
	spacing, err := m.pool.TickSpacing(ctx)
	if err != nil {
		return res, fmt.Errorf("read tick spacing: %w", err)
	}
	lower, upper, err := clmath.CenteredRange(slot0.Tick, m.cfg.TickHalfWidth, spacing)
	if err != nil {
		return res, fmt.Errorf("range around tick %d: %v: %w", slot0.Tick, err, model.ErrInvalidRange)
	}
	min0, min1, err := m.minimums(o, slot0, lower, upper, balance0, balance1)
	if err != nil {
		return res, err
	}

	spender := m.pool.Spender()
	if err := m.custody.GrantAllowance(ctx, spender, token0, balance0); err != nil {
		return res, fmt.Errorf("approve %s: %w", m.cfg.Token0.Symbol, err)
	}
	if err := m.custody.GrantAllowance(ctx, spender, token1, balance1); err != nil {
		return res, fmt.Errorf("approve %s: %w", m.cfg.Token1.Symbol, err)
	}

	opened, err := m.pool.OpenPosition(ctx, pool.OpenParams{
		Token0:         token0,
		Token1:         token1,
		Fee:            m.cfg.Fee,
		TickLower:      lower,
		TickUpper:      upper,
		Amount0Desired: balance0,
		Amount1Desired: balance1,
		Amount0Min:     min0,
		Amount1Min:     min1,
		Recipient:      m.custody.Account(),
		Deadline:       m.deadline(o),
	})
	if err != nil {
		return res, fmt.Errorf("open position: %w", err)
	}
	u.poolCommitted()

	if err := m.ledger.Record(opened.PositionID, caller, opened.Liquidity, token0, token1, lower, upper); err != nil {
		return res, err
	}

	residue0 := new(big.Int).Sub(balance0, opened.Amount0)
	residue1 := new(big.Int).Sub(balance1, opened.Amount1)
	if residue0.Sign() < 0 || residue1.Sign() < 0 {
		return res, fmt.Errorf("pool took %s/%s of %s/%s: %w",
			opened.Amount0, opened.Amount1, balance0, balance1, model.ErrInsufficientCustodyBalance)
	}
	for _, swept := range m.ledger.SweepUnallocated() {
		if swept.Owner != caller {
			m.logger.Warn("unallocated credit consumed by mint",
				zap.String("owner", swept.Owner.Hex()),
				zap.String("minter", caller.Hex()),
				zap.String("amount0", swept.Amount0),
				zap.String("amount1", swept.Amount1),
			)
		}
	}
	if err := m.ledger.Credit(caller, residue0, residue1); err != nil {
		return res, err
	}

	dep, err := m.ledger.Get(opened.PositionID)
	if err != nil {
		return res, err
	}
	ev := u.emit(model.EventPositionMinted, opened.PositionID, model.PositionMintedData{
		PositionID: opened.PositionID,
		Liquidity:  opened.Liquidity.String(),
		Amount0:    opened.Amount0.String(),
		Amount1:    opened.Amount1.String(),
	})
	if err := u.commit(ctx); err != nil {
		return res, err
	}

	m.logger.Info("position minted",
		zap.Uint64("position_id", uint64(opened.PositionID)),
		zap.String("owner", caller.Hex()),
		zap.Int32("tick_lower", lower),
		zap.Int32("tick_upper", upper),
		zap.String("liquidity", opened.Liquidity.String()),
		zap.String("amount0", opened.Amount0.String()),
		zap.String("amount1", opened.Amount1.String()),
	)
	return Result{
		Deposit:   dep,
		Liquidity: new(big.Int).Set(opened.Liquidity),
		Amount0:   new(big.Int).Set(opened.Amount0),
		Amount1:   new(big.Int).Set(opened.Amount1),
		Event:     ev,
	}, nil
}
