package erc20

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityManager/internal/chain"
	"liquidityManager/internal/model"
)

var (
	usdc    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	custody = common.HexToAddress("0x3000000000000000000000000000000000000003")
	alice   = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

// fakeToken answers balanceOf/allowance/decimals/symbol from fixed values.
type fakeToken struct {
	t         *testing.T
	parsed    abi.ABI
	balances  map[common.Address]*big.Int
	allowance *big.Int
}

func (f *fakeToken) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	method, err := f.parsed.MethodById(msg.Data[:4])
	require.NoError(f.t, err)
	switch method.Name {
	case "balanceOf":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		require.NoError(f.t, err)
		bal := f.balances[args[0].(common.Address)]
		if bal == nil {
			bal = big.NewInt(0)
		}
		return method.Outputs.Pack(bal)
	case "allowance":
		return method.Outputs.Pack(f.allowance)
	case "decimals":
		return method.Outputs.Pack(uint8(6))
	case "symbol":
		return method.Outputs.Pack("USDC")
	case "name":
		return method.Outputs.Pack("USD Coin")
	}
	return nil, errors.New("unsupported")
}

type recordingSender struct {
	sent []string
	err  error
	abi  abi.ABI
}

func (s *recordingSender) From() common.Address { return custody }

func (s *recordingSender) Send(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	if s.err != nil {
		return nil, s.err
	}
	method, err := s.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	s.sent = append(s.sent, method.Name)
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func newAdapter(t *testing.T, token *fakeToken) (*Adapter, *recordingSender) {
	t.Helper()
	parsed, err := ABI()
	require.NoError(t, err)
	token.t = t
	token.parsed = parsed
	sender := &recordingSender{abi: parsed}
	adapter, err := NewAdapter(token, sender, Options{})
	require.NoError(t, err)
	return adapter, sender
}

func TestPullFromChecksAllowanceThenBalance(t *testing.T) {
	ctx := context.Background()
	token := &fakeToken{
		balances:  map[common.Address]*big.Int{alice: big.NewInt(100)},
		allowance: big.NewInt(50),
	}
	adapter, sender := newAdapter(t, token)

	err := adapter.PullFrom(ctx, alice, usdc, big.NewInt(60))
	assert.ErrorIs(t, err, model.ErrInsufficientAllowance)

	token.allowance = big.NewInt(1000)
	err = adapter.PullFrom(ctx, alice, usdc, big.NewInt(101))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Empty(t, sender.sent)

	require.NoError(t, adapter.PullFrom(ctx, alice, usdc, big.NewInt(100)))
	assert.Equal(t, []string{"transferFrom"}, sender.sent)
}

func TestGrantAllowanceSkipsWhenEqual(t *testing.T) {
	ctx := context.Background()
	token := &fakeToken{allowance: big.NewInt(10)}
	adapter, sender := newAdapter(t, token)

	require.NoError(t, adapter.GrantAllowance(ctx, alice, usdc, big.NewInt(10)))
	assert.Empty(t, sender.sent)
	require.NoError(t, adapter.GrantAllowance(ctx, alice, usdc, big.NewInt(11)))
	assert.Equal(t, []string{"approve"}, sender.sent)
}

func TestPushToChecksCustody(t *testing.T) {
	ctx := context.Background()
	token := &fakeToken{balances: map[common.Address]*big.Int{custody: big.NewInt(5)}}
	adapter, sender := newAdapter(t, token)

	err := adapter.PushTo(ctx, alice, usdc, big.NewInt(6))
	assert.ErrorIs(t, err, model.ErrInsufficientCustodyBalance)
	assert.Empty(t, sender.sent)
	require.NoError(t, adapter.PushTo(ctx, alice, usdc, big.NewInt(5)))
}

func TestSendClassifiesReverts(t *testing.T) {
	ctx := context.Background()
	token := &fakeToken{
		balances:  map[common.Address]*big.Int{alice: big.NewInt(100)},
		allowance: big.NewInt(100),
	}
	adapter, sender := newAdapter(t, token)
	sender.err = &chain.RevertError{Reason: "ERC20: transfer amount exceeds allowance"}

	err := adapter.PullFrom(ctx, alice, usdc, big.NewInt(10))
	assert.ErrorIs(t, err, model.ErrInsufficientAllowance)
}

func TestFetchTokenMeta(t *testing.T) {
	adapter, _ := newAdapter(t, &fakeToken{})
	meta, err := adapter.FetchTokenMeta(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), meta.Decimals)
	assert.Equal(t, "USDC", meta.Symbol)
	assert.Equal(t, "USD Coin", meta.Name)
}
