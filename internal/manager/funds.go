package manager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityManager/internal/model"
)

// Deposit pulls amount0/amount1 from caller into custody and credits them to
// the caller's unallocated balance. The credit is not reserved: the next mint,
// by any caller, sweeps every owner's unallocated balance into the minter's
// position and residue. Withdraw or mint before another owner mints.
func (m *Manager) Deposit(ctx context.Context, caller common.Address, amount0, amount1 *big.Int) (credit model.Unallocated, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.begin(opDeposit)
	defer u.finish(ctx, &err)

	amount0, amount1 = orZero(amount0), orZero(amount1)
	if amount0.Sign() < 0 || amount1.Sign() < 0 {
		return credit, fmt.Errorf("deposit: negative amount: %w", model.ErrInvalidAmount)
	}
	if err := m.pull(ctx, u, caller, amount0, amount1); err != nil {
		return credit, err
	}
	if err := m.ledger.Credit(caller, amount0, amount1); err != nil {
		return credit, err
	}
	if err := u.commit(ctx); err != nil {
		return credit, err
	}

	credit = m.unallocated(caller)
	m.logger.Info("deposit credited",
		zap.String("owner", caller.Hex()),
		zap.String("amount0", amount0.String()),
		zap.String("amount1", amount1.String()),
	)
	return credit, nil
}

// WithdrawUnallocated returns owner's whole unallocated credit from custody.
// Each leg is debited as soon as its transfer lands.
func (m *Manager) WithdrawUnallocated(ctx context.Context, owner common.Address) (withdrawn model.Unallocated, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.begin(opWithdraw)
	defer u.finish(ctx, &err)

	amount0, amount1 := m.ledger.Unallocated(owner)
	withdrawn = model.Unallocated{Owner: owner, Amount0: "0", Amount1: "0"}

	if amount0.Sign() > 0 {
		if err := m.custody.PushTo(ctx, owner, m.cfg.Token0.Address, amount0); err != nil {
			return withdrawn, fmt.Errorf("push %s: %w", m.cfg.Token0.Symbol, err)
		}
		if !canRestore(m.custody) {
			u.irreversible = true
		}
		if err := m.ledger.Debit(owner, amount0, nil); err != nil {
			return withdrawn, err
		}
		withdrawn.Amount0 = amount0.String()
	}
	if amount1.Sign() > 0 {
		if err := m.custody.PushTo(ctx, owner, m.cfg.Token1.Address, amount1); err != nil {
			return withdrawn, fmt.Errorf("push %s: %w", m.cfg.Token1.Symbol, err)
		}
		if !canRestore(m.custody) {
			u.irreversible = true
		}
		if err := m.ledger.Debit(owner, nil, amount1); err != nil {
			return withdrawn, err
		}
		withdrawn.Amount1 = amount1.String()
	}
	if err := u.commit(ctx); err != nil {
		return withdrawn, err
	}

	m.logger.Info("unallocated withdrawn",
		zap.String("owner", owner.Hex()),
		zap.String("amount0", withdrawn.Amount0),
		zap.String("amount1", withdrawn.Amount1),
	)
	return withdrawn, nil
}

func (m *Manager) unallocated(owner common.Address) model.Unallocated {
	a0, a1 := m.ledger.Unallocated(owner)
	return model.Unallocated{Owner: owner, Amount0: a0.String(), Amount1: a1.String()}
}
