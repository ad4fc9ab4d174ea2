package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// RevertError carries the reason string of a reverted call or transaction.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// Sender submits state-changing transactions and waits for them to be mined.
type Sender interface {
	From() common.Address
	Send(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

// Transactor signs EIP-1559 transactions with a local key.
type Transactor struct {
	client  *Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	timeout time.Duration
	logger  *zap.Logger

	mu sync.Mutex
}

// NewTransactor parses a hex private key (with or without 0x) and binds it
// to the client's chain.
func NewTransactor(ctx context.Context, client *Client, hexKey string, timeout time.Duration, logger *zap.Logger) (*Transactor, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	chainID, err := client.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Transactor{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (t *Transactor) From() common.Address {
	return t.from
}

// Send estimates, signs and broadcasts a call to `to`, then blocks until the
// receipt is available. A reverted receipt is replayed to recover its reason.
func (t *Transactor) Send(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := ethereum.CallMsg{From: t.from, To: &to, Data: data}

	gas, err := t.client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, AsRevert(err)
	}
	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, feeCap, err := t.client.FeeQuote(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, t.signer, t.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return nil, AsRevert(err)
	}
	t.logger.Debug("transaction sent",
		zap.String("hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
	)

	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, t.client, signed)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		_, callErr := t.client.CallContract(ctx, msg, receipt.BlockNumber)
		if callErr != nil {
			return receipt, AsRevert(callErr)
		}
		return receipt, &RevertError{}
	}
	return receipt, nil
}

// AsRevert converts an RPC error carrying revert data into a RevertError.
// Other errors are returned unchanged.
func AsRevert(err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return &RevertError{Reason: reason}
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimPrefix(msg[idx:], "execution reverted")
		reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
		return &RevertError{Reason: reason}
	}
	return err
}

// RevertReason returns the reason of a RevertError anywhere in err's chain.
func RevertReason(err error) (string, bool) {
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert.Reason, true
	}
	return "", false
}
