package simulated

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquidityManager/internal/model"
	"liquidityManager/internal/pool"
)

type openArgs struct {
	token0    common.Address
	token1    common.Address
	fee       uint32
	tickLower int32
	tickUpper int32
	desired0  *big.Int
	desired1  *big.Int
	min0      *big.Int
	min1      *big.Int
	recipient common.Address
	deadline  time.Time
}

// Adapter is a pool.Pool bound to one acting account.
type Adapter struct {
	venue   *Venue
	account common.Address
}

var _ pool.Pool = (*Adapter)(nil)

func (a *Adapter) Spender() common.Address {
	return a.venue.Address()
}

func (a *Adapter) Slot0(ctx context.Context) (model.Slot0, error) {
	if err := ctx.Err(); err != nil {
		return model.Slot0{}, err
	}
	return a.venue.slot0(), nil
}

func (a *Adapter) TickSpacing(ctx context.Context) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.venue.cfg.TickSpacing, nil
}

func (a *Adapter) OpenPosition(ctx context.Context, params pool.OpenParams) (pool.OpenResult, error) {
	id, liquidity, amount0, amount1, err := a.venue.open(ctx, a.account, openArgs{
		token0:    params.Token0,
		token1:    params.Token1,
		fee:       params.Fee,
		tickLower: params.TickLower,
		tickUpper: params.TickUpper,
		desired0:  params.Amount0Desired,
		desired1:  params.Amount1Desired,
		min0:      params.Amount0Min,
		min1:      params.Amount1Min,
		recipient: params.Recipient,
		deadline:  params.Deadline,
	})
	if err != nil {
		return pool.OpenResult{}, err
	}
	return pool.OpenResult{PositionID: id, Liquidity: liquidity, Amount0: amount0, Amount1: amount1}, nil
}

func (a *Adapter) AddLiquidity(ctx context.Context, params pool.AddParams) (pool.AddResult, error) {
	liquidity, amount0, amount1, err := a.venue.add(ctx, a.account, params.PositionID,
		params.Amount0Desired, params.Amount1Desired, params.Amount0Min, params.Amount1Min, params.Deadline)
	if err != nil {
		return pool.AddResult{}, err
	}
	return pool.AddResult{Liquidity: liquidity, Amount0: amount0, Amount1: amount1}, nil
}

func (a *Adapter) RemoveLiquidity(ctx context.Context, params pool.RemoveParams) (pool.RemoveResult, error) {
	amount0, amount1, err := a.venue.remove(ctx, a.account, params.PositionID,
		params.Liquidity, params.Amount0Min, params.Amount1Min, params.Deadline)
	if err != nil {
		return pool.RemoveResult{}, err
	}
	return pool.RemoveResult{Amount0: amount0, Amount1: amount1}, nil
}

func (a *Adapter) CollectOwed(ctx context.Context, params pool.CollectParams) (pool.CollectResult, error) {
	amount0, amount1, err := a.venue.collect(ctx, a.account, params.Recipient, params.PositionID,
		params.Amount0Max, params.Amount1Max)
	if err != nil {
		return pool.CollectResult{}, err
	}
	return pool.CollectResult{Amount0: amount0, Amount1: amount1}, nil
}

// Snapshot captures the venue and its token ledger.
func (a *Adapter) Snapshot() func() {
	return a.venue.Snapshot()
}
