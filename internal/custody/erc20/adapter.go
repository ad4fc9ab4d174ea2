package erc20

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"liquidityManager/internal/chain"
	"liquidityManager/internal/model"
)

// Adapter implements custody.Custody against deployed ERC-20 contracts. The
// custody account is the transactor's address.
type Adapter struct {
	caller       chain.Caller
	sender       chain.Sender
	parsed       abi.ABI
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

func NewAdapter(caller chain.Caller, sender chain.Sender, opts Options) (*Adapter, error) {
	if caller == nil || sender == nil {
		return nil, fmt.Errorf("erc20 adapter needs a caller and a sender")
	}
	parsed, err := ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		caller:       caller,
		sender:       sender,
		parsed:       parsed,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		logger:       logger,
	}, nil
}

func (a *Adapter) Account() common.Address {
	return a.sender.From()
}

func (a *Adapter) BalanceOf(ctx context.Context, token common.Address) (*big.Int, error) {
	return a.balanceOf(ctx, token, a.Account())
}

func (a *Adapter) PullFrom(ctx context.Context, caller, token common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	allowed, err := a.allowance(ctx, token, caller, a.Account())
	if err != nil {
		return err
	}
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("pull %s from %s: allowance %s: %w", token.Hex(), caller.Hex(), allowed, model.ErrInsufficientAllowance)
	}
	have, err := a.balanceOf(ctx, token, caller)
	if err != nil {
		return err
	}
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("pull %s from %s: balance %s: %w", token.Hex(), caller.Hex(), have, model.ErrInsufficientFunds)
	}
	return a.send(ctx, token, "transferFrom", caller, a.Account(), amount)
}

func (a *Adapter) GrantAllowance(ctx context.Context, spender, token common.Address, amount *big.Int) error {
	current, err := a.allowance(ctx, token, a.Account(), spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) == 0 {
		return nil
	}
	return a.send(ctx, token, "approve", spender, amount)
}

func (a *Adapter) PushTo(ctx context.Context, recipient, token common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	have, err := a.BalanceOf(ctx, token)
	if err != nil {
		return err
	}
	if have.Cmp(amount) < 0 {
		return fmt.Errorf("push %s %s of %s held: %w", token.Hex(), amount, have, model.ErrInsufficientCustodyBalance)
	}
	return a.send(ctx, token, "transfer", recipient, amount)
}

// FetchTokenMeta loads decimals, symbol and name. Symbol and name fall back
// to the bytes32 encoding and are left empty when both fail.
func (a *Adapter) FetchTokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token}
	values, err := a.read(ctx, token, a.parsed, "decimals")
	if err != nil {
		return meta, err
	}
	decimals, err := chain.AsUint8(values[0])
	if err != nil {
		return meta, fmt.Errorf("decimals: %w", err)
	}
	meta.Decimals = decimals

	legacy, err := bytes32ABI()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}
	meta.Symbol = a.readText(ctx, token, legacy, "symbol")
	meta.Name = a.readText(ctx, token, legacy, "name")
	return meta, nil
}

func (a *Adapter) readText(ctx context.Context, token common.Address, legacy abi.ABI, method string) string {
	if values, err := chain.Call(ctx, a.caller, token, a.parsed, method, nil); err == nil {
		if text, ok := values[0].(string); ok {
			return text
		}
	}
	values, err := chain.Call(ctx, a.caller, token, legacy, method, nil)
	if err != nil {
		a.logger.Debug("token text call failed", zap.String("token", token.Hex()), zap.String("method", method), zap.Error(err))
		return ""
	}
	text, _ := chain.Bytes32ToString(values[0])
	return text
}

func (a *Adapter) balanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	values, err := a.read(ctx, token, a.parsed, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return chain.AsBigInt(values[0])
}

func (a *Adapter) allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	values, err := a.read(ctx, token, a.parsed, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return chain.AsBigInt(values[0])
}

func (a *Adapter) read(ctx context.Context, token common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	var values []interface{}
	err := chain.WithRetry(ctx, a.maxRetries, a.retryBackoff, func(ctx context.Context) error {
		var err error
		values, err = chain.Call(ctx, a.caller, token, parsed, method, nil, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", token.Hex(), method, err)
	}
	return values, nil
}

func (a *Adapter) send(ctx context.Context, token common.Address, method string, args ...interface{}) error {
	data, err := a.parsed.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	receipt, err := a.sender.Send(ctx, token, data)
	if err != nil {
		return fmt.Errorf("%s %s: %w", token.Hex(), method, classify(err))
	}
	a.logger.Info("token transaction mined",
		zap.String("token", token.Hex()),
		zap.String("method", method),
		zap.String("tx", receipt.TxHash.Hex()),
	)
	return nil
}

// classify maps common token revert strings (OpenZeppelin, DAI, USDC) onto
// the custody error kinds.
func classify(err error) error {
	reason, ok := chain.RevertReason(err)
	if !ok {
		return err
	}
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "allowance"):
		return fmt.Errorf("%s: %w", reason, model.ErrInsufficientAllowance)
	case strings.Contains(lower, "balance"):
		return fmt.Errorf("%s: %w", reason, model.ErrInsufficientFunds)
	default:
		return err
	}
}
