package custody

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"liquidityManager/internal/model"
	"liquidityManager/internal/token"
)

// LedgerAdapter implements Custody over an in-memory token ledger.
type LedgerAdapter struct {
	ledger  *token.Ledger
	account common.Address
}

func NewLedgerAdapter(ledger *token.Ledger, account common.Address) *LedgerAdapter {
	return &LedgerAdapter{ledger: ledger, account: account}
}

func (a *LedgerAdapter) Account() common.Address {
	return a.account
}

func (a *LedgerAdapter) BalanceOf(ctx context.Context, tok common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.ledger.BalanceOf(tok, a.account), nil
}

func (a *LedgerAdapter) PullFrom(ctx context.Context, caller, tok common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := a.ledger.TransferFrom(tok, a.account, caller, a.account, amount); err != nil {
		return fmt.Errorf("pull %s from %s: %w", tok.Hex(), caller.Hex(), err)
	}
	return nil
}

func (a *LedgerAdapter) GrantAllowance(ctx context.Context, spender, tok common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.ledger.Allowance(tok, a.account, spender).Cmp(amount) == 0 {
		return nil
	}
	return a.ledger.Approve(tok, a.account, spender, amount)
}

func (a *LedgerAdapter) PushTo(ctx context.Context, recipient, tok common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	have := a.ledger.BalanceOf(tok, a.account)
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("push %s %s of %s held: %w", tok.Hex(), amount, have, model.ErrInsufficientCustodyBalance)
	}
	return a.ledger.Transfer(tok, a.account, recipient, amount)
}

// Snapshot captures the underlying token ledger.
func (a *LedgerAdapter) Snapshot() func() {
	return a.ledger.Snapshot()
}
