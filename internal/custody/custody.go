package custody

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Custody moves tokens between users and the manager's custody account.
type Custody interface {
	// Account is the address holding custody balances.
	Account() common.Address
	BalanceOf(ctx context.Context, token common.Address) (*big.Int, error)
	// PullFrom moves amount from caller into custody using caller's allowance.
	PullFrom(ctx context.Context, caller, token common.Address, amount *big.Int) error
	// GrantAllowance sets spender's allowance over custody. A no-op when the
	// current allowance already equals amount.
	GrantAllowance(ctx context.Context, spender, token common.Address, amount *big.Int) error
	// PushTo moves amount out of custody. Fails before any transfer when
	// custody holds less than amount.
	PushTo(ctx context.Context, recipient, token common.Address, amount *big.Int) error
}
