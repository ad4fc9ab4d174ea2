package npm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"liquidityManager/internal/chain"
	"liquidityManager/internal/model"
	"liquidityManager/internal/pool"
)

// Config binds the adapter to one position manager and one pool.
type Config struct {
	PositionManager common.Address
	Factory         common.Address
	Token0          common.Address
	Token1          common.Address
	Fee             uint32
	MaxRetries      int
	RetryBackoff    time.Duration
	Logger          *zap.Logger
}

// Adapter implements pool.Pool on a Uniswap V3 NonfungiblePositionManager.
// Results are read from the mined receipt's logs.
type Adapter struct {
	cfg     Config
	caller  chain.Caller
	sender  chain.Sender
	npmABI  abi.ABI
	factory abi.ABI
	poolABI abi.ABI
	decoder *Decoder
	logger  *zap.Logger

	mu   sync.Mutex
	pool common.Address
}

var _ pool.Pool = (*Adapter)(nil)

func NewAdapter(cfg Config, caller chain.Caller, sender chain.Sender) (*Adapter, error) {
	if caller == nil || sender == nil {
		return nil, fmt.Errorf("npm adapter needs a caller and a sender")
	}
	if cfg.PositionManager == (common.Address{}) {
		return nil, fmt.Errorf("position manager address is required")
	}
	npmABI, err := PositionManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse position manager abi: %w", err)
	}
	factoryABI, err := FactoryABI()
	if err != nil {
		return nil, fmt.Errorf("parse factory abi: %w", err)
	}
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		caller:  caller,
		sender:  sender,
		npmABI:  npmABI,
		factory: factoryABI,
		poolABI: poolABI,
		decoder: decoder,
		logger:  logger,
	}, nil
}

func (a *Adapter) Spender() common.Address {
	return a.cfg.PositionManager
}

// PoolAddress resolves the pool through the factory (or the position
// manager's factory() when none is configured) and caches it.
func (a *Adapter) PoolAddress(ctx context.Context) (common.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != (common.Address{}) {
		return a.pool, nil
	}
	factory := a.cfg.Factory
	if factory == (common.Address{}) {
		values, err := a.read(ctx, a.cfg.PositionManager, a.npmABI, "factory")
		if err != nil {
			return common.Address{}, err
		}
		if factory, err = chain.AsAddress(values[0]); err != nil {
			return common.Address{}, fmt.Errorf("factory: %w", err)
		}
	}
	values, err := a.read(ctx, factory, a.factory, "getPool", a.cfg.Token0, a.cfg.Token1, new(big.Int).SetUint64(uint64(a.cfg.Fee)))
	if err != nil {
		return common.Address{}, err
	}
	addr, err := chain.AsAddress(values[0])
	if err != nil {
		return common.Address{}, fmt.Errorf("getPool: %w", err)
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no pool for %s/%s fee %d", a.cfg.Token0.Hex(), a.cfg.Token1.Hex(), a.cfg.Fee)
	}
	a.pool = addr
	return addr, nil
}

func (a *Adapter) Slot0(ctx context.Context) (model.Slot0, error) {
	addr, err := a.PoolAddress(ctx)
	if err != nil {
		return model.Slot0{}, err
	}
	values, err := a.read(ctx, addr, a.poolABI, "slot0")
	if err != nil {
		return model.Slot0{}, err
	}
	if len(values) < 2 {
		return model.Slot0{}, fmt.Errorf("slot0: unexpected values %d", len(values))
	}
	sqrtPrice, err := chain.AsBigInt(values[0])
	if err != nil {
		return model.Slot0{}, fmt.Errorf("slot0 price: %w", err)
	}
	tickInt, err := chain.AsBigInt(values[1])
	if err != nil {
		return model.Slot0{}, fmt.Errorf("slot0 tick: %w", err)
	}
	tick, err := chain.Int24FromBig(tickInt)
	if err != nil {
		return model.Slot0{}, err
	}
	return model.Slot0{SqrtPriceX96: sqrtPrice, Tick: tick}, nil
}

func (a *Adapter) TickSpacing(ctx context.Context) (int32, error) {
	addr, err := a.PoolAddress(ctx)
	if err != nil {
		return 0, err
	}
	values, err := a.read(ctx, addr, a.poolABI, "tickSpacing")
	if err != nil {
		return 0, err
	}
	spacing, err := chain.AsBigInt(values[0])
	if err != nil {
		return 0, fmt.Errorf("tick spacing: %w", err)
	}
	return chain.Int24FromBig(spacing)
}

type mintParams struct {
	Token0         common.Address
	Token1         common.Address
	Fee            *big.Int
	TickLower      *big.Int
	TickUpper      *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Recipient      common.Address
	Deadline       *big.Int
}

type increaseParams struct {
	TokenId        *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Deadline       *big.Int
}

type decreaseParams struct {
	TokenId    *big.Int
	Liquidity  *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
	Deadline   *big.Int
}

type collectParams struct {
	TokenId    *big.Int
	Recipient  common.Address
	Amount0Max *big.Int
	Amount1Max *big.Int
}

func (a *Adapter) OpenPosition(ctx context.Context, params pool.OpenParams) (pool.OpenResult, error) {
	if params.TickLower >= params.TickUpper {
		return pool.OpenResult{}, fmt.Errorf("tick lower %d >= upper %d: %w", params.TickLower, params.TickUpper, model.ErrInvalidRange)
	}
	logs, err := a.send(ctx, "mint", mintParams{
		Token0:         params.Token0,
		Token1:         params.Token1,
		Fee:            new(big.Int).SetUint64(uint64(params.Fee)),
		TickLower:      big.NewInt(int64(params.TickLower)),
		TickUpper:      big.NewInt(int64(params.TickUpper)),
		Amount0Desired: orZero(params.Amount0Desired),
		Amount1Desired: orZero(params.Amount1Desired),
		Amount0Min:     orZero(params.Amount0Min),
		Amount1Min:     orZero(params.Amount1Min),
		Recipient:      params.Recipient,
		Deadline:       unixBig(params.Deadline),
	})
	if err != nil {
		return pool.OpenResult{}, err
	}
	increase, ok := findLog(logs, LogIncreaseLiquidity, nil)
	if !ok {
		return pool.OpenResult{}, fmt.Errorf("mint receipt has no IncreaseLiquidity log")
	}
	id, err := positionID(increase.TokenID)
	if err != nil {
		return pool.OpenResult{}, err
	}
	if transfer, ok := findLog(logs, LogTransfer, increase.TokenID); ok && transfer.To != params.Recipient {
		a.logger.Warn("receipt minted to unexpected recipient",
			zap.String("position", id.String()),
			zap.String("to", transfer.To.Hex()),
		)
	}
	return pool.OpenResult{
		PositionID: id,
		Liquidity:  increase.Liquidity,
		Amount0:    increase.Amount0,
		Amount1:    increase.Amount1,
	}, nil
}

func (a *Adapter) AddLiquidity(ctx context.Context, params pool.AddParams) (pool.AddResult, error) {
	tokenID := new(big.Int).SetUint64(uint64(params.PositionID))
	logs, err := a.send(ctx, "increaseLiquidity", increaseParams{
		TokenId:        tokenID,
		Amount0Desired: orZero(params.Amount0Desired),
		Amount1Desired: orZero(params.Amount1Desired),
		Amount0Min:     orZero(params.Amount0Min),
		Amount1Min:     orZero(params.Amount1Min),
		Deadline:       unixBig(params.Deadline),
	})
	if err != nil {
		return pool.AddResult{}, err
	}
	increase, ok := findLog(logs, LogIncreaseLiquidity, tokenID)
	if !ok {
		return pool.AddResult{}, fmt.Errorf("increaseLiquidity receipt has no IncreaseLiquidity log")
	}
	return pool.AddResult{Liquidity: increase.Liquidity, Amount0: increase.Amount0, Amount1: increase.Amount1}, nil
}

func (a *Adapter) RemoveLiquidity(ctx context.Context, params pool.RemoveParams) (pool.RemoveResult, error) {
	tokenID := new(big.Int).SetUint64(uint64(params.PositionID))
	logs, err := a.send(ctx, "decreaseLiquidity", decreaseParams{
		TokenId:    tokenID,
		Liquidity:  orZero(params.Liquidity),
		Amount0Min: orZero(params.Amount0Min),
		Amount1Min: orZero(params.Amount1Min),
		Deadline:   unixBig(params.Deadline),
	})
	if err != nil {
		return pool.RemoveResult{}, err
	}
	decrease, ok := findLog(logs, LogDecreaseLiquidity, tokenID)
	if !ok {
		return pool.RemoveResult{}, fmt.Errorf("decreaseLiquidity receipt has no DecreaseLiquidity log")
	}
	return pool.RemoveResult{Amount0: decrease.Amount0, Amount1: decrease.Amount1}, nil
}

func (a *Adapter) CollectOwed(ctx context.Context, params pool.CollectParams) (pool.CollectResult, error) {
	tokenID := new(big.Int).SetUint64(uint64(params.PositionID))
	logs, err := a.send(ctx, "collect", collectParams{
		TokenId:    tokenID,
		Recipient:  params.Recipient,
		Amount0Max: capUint128(params.Amount0Max),
		Amount1Max: capUint128(params.Amount1Max),
	})
	if err != nil {
		return pool.CollectResult{}, err
	}
	collected, ok := findLog(logs, LogCollect, tokenID)
	if !ok {
		return pool.CollectResult{}, fmt.Errorf("collect receipt has no Collect log")
	}
	return pool.CollectResult{Amount0: collected.Amount0, Amount1: collected.Amount1}, nil
}

// OnChainPosition is the position manager's record of a position.
type OnChainPosition struct {
	Token0      common.Address
	Token1      common.Address
	Fee         uint32
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

// Position reads positions(tokenId). Unknown ids revert with "Invalid token ID".
func (a *Adapter) Position(ctx context.Context, id model.PositionID) (OnChainPosition, error) {
	values, err := a.read(ctx, a.cfg.PositionManager, a.npmABI, "positions", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return OnChainPosition{}, classify(err)
	}
	if len(values) != 12 {
		return OnChainPosition{}, fmt.Errorf("positions: unexpected values %d", len(values))
	}
	var out OnChainPosition
	if out.Token0, err = chain.AsAddress(values[2]); err != nil {
		return OnChainPosition{}, err
	}
	if out.Token1, err = chain.AsAddress(values[3]); err != nil {
		return OnChainPosition{}, err
	}
	fee, err := chain.AsBigInt(values[4])
	if err != nil {
		return OnChainPosition{}, err
	}
	out.Fee = uint32(fee.Uint64())
	lower, err := chain.AsBigInt(values[5])
	if err != nil {
		return OnChainPosition{}, err
	}
	if out.TickLower, err = chain.Int24FromBig(lower); err != nil {
		return OnChainPosition{}, err
	}
	upper, err := chain.AsBigInt(values[6])
	if err != nil {
		return OnChainPosition{}, err
	}
	if out.TickUpper, err = chain.Int24FromBig(upper); err != nil {
		return OnChainPosition{}, err
	}
	if out.Liquidity, err = chain.AsBigInt(values[7]); err != nil {
		return OnChainPosition{}, err
	}
	if out.TokensOwed0, err = chain.AsBigInt(values[10]); err != nil {
		return OnChainPosition{}, err
	}
	if out.TokensOwed1, err = chain.AsBigInt(values[11]); err != nil {
		return OnChainPosition{}, err
	}
	return out, nil
}

func (a *Adapter) read(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	var values []interface{}
	var reverted error
	err := chain.WithRetry(ctx, a.cfg.MaxRetries, a.cfg.RetryBackoff, func(ctx context.Context) error {
		out, err := chain.Call(ctx, a.caller, to, parsed, method, nil, args...)
		if err != nil {
			if revert := chain.AsRevert(err); revert != err {
				// Reverts are deterministic.
				reverted = fmt.Errorf("%s: %w", method, revert)
				return nil
			}
			return err
		}
		values = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reverted != nil {
		return nil, reverted
	}
	return values, nil
}

func (a *Adapter) send(ctx context.Context, method string, params interface{}) ([]PositionLog, error) {
	data, err := a.npmABI.Pack(method, params)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	receipt, err := a.sender.Send(ctx, a.cfg.PositionManager, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, classify(err))
	}
	a.logger.Info("position manager transaction mined",
		zap.String("method", method),
		zap.String("tx", receipt.TxHash.Hex()),
		zap.Uint64("gas_used", receipt.GasUsed),
	)
	return a.receiptLogs(receipt)
}

func (a *Adapter) receiptLogs(receipt *types.Receipt) ([]PositionLog, error) {
	out := make([]PositionLog, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log == nil || log.Address != a.cfg.PositionManager || !a.decoder.CanDecode(*log) {
			continue
		}
		decoded, err := a.decoder.Decode(*log)
		if err != nil {
			return nil, fmt.Errorf("decode receipt log %d: %w", log.Index, err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

// classify maps position manager and pool revert strings onto the error taxonomy.
func classify(err error) error {
	reason, ok := chain.RevertReason(err)
	if !ok {
		return err
	}
	switch {
	case strings.Contains(reason, "Transaction too old"):
		return fmt.Errorf("%s: %w", reason, model.ErrExpired)
	case strings.Contains(reason, "Price slippage check"):
		return fmt.Errorf("%s: %w", reason, model.ErrSlippageExceeded)
	case reason == "TLU" || reason == "TLM" || reason == "TUM":
		return fmt.Errorf("%s: %w", reason, model.ErrInvalidRange)
	case strings.Contains(reason, "Invalid token ID"):
		return fmt.Errorf("%s: %w", reason, model.ErrUnknownPosition)
	case strings.Contains(reason, "STF"), strings.Contains(reason, "allowance"):
		return fmt.Errorf("%s: %w", reason, model.ErrInsufficientAllowance)
	case strings.Contains(reason, "balance"):
		return fmt.Errorf("%s: %w", reason, model.ErrInsufficientFunds)
	default:
		return err
	}
}

func findLog(logs []PositionLog, name string, tokenID *big.Int) (PositionLog, bool) {
	for _, log := range logs {
		if log.Name != name {
			continue
		}
		if tokenID != nil && (log.TokenID == nil || log.TokenID.Cmp(tokenID) != 0) {
			continue
		}
		return log, true
	}
	return PositionLog{}, false
}

func positionID(tokenID *big.Int) (model.PositionID, error) {
	if tokenID == nil || tokenID.Sign() < 0 || !tokenID.IsUint64() {
		return 0, fmt.Errorf("token id %v does not fit a position id", tokenID)
	}
	return model.PositionID(tokenID.Uint64()), nil
}

func unixBig(t time.Time) *big.Int {
	return big.NewInt(t.Unix())
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func capUint128(v *big.Int) *big.Int {
	max := pool.MaxCollect()
	if v == nil || v.Cmp(max) > 0 {
		return max
	}
	return v
}
