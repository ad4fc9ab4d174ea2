package pool

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquidityManager/internal/model"
)

// Pool is the manager's view of a concentrated-liquidity venue for one
// (token0, token1, fee) pool. Committing calls fail with model.ErrExpired
// after their deadline and then change nothing.
type Pool interface {
	// Spender is the address that pulls custody tokens during open/add.
	Spender() common.Address
	Slot0(ctx context.Context) (model.Slot0, error)
	TickSpacing(ctx context.Context) (int32, error)

	OpenPosition(ctx context.Context, params OpenParams) (OpenResult, error)
	AddLiquidity(ctx context.Context, params AddParams) (AddResult, error)
	// RemoveLiquidity burns liquidity and credits the owed amounts to the
	// position. No tokens move.
	RemoveLiquidity(ctx context.Context, params RemoveParams) (RemoveResult, error)
	// CollectOwed transfers owed tokens, capped by the max amounts.
	CollectOwed(ctx context.Context, params CollectParams) (CollectResult, error)
}

type OpenParams struct {
	Token0         common.Address
	Token1         common.Address
	Fee            uint32
	TickLower      int32
	TickUpper      int32
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Recipient      common.Address
	Deadline       time.Time
}

type OpenResult struct {
	PositionID model.PositionID
	Liquidity  *big.Int
	Amount0    *big.Int
	Amount1    *big.Int
}

type AddParams struct {
	PositionID     model.PositionID
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Deadline       time.Time
}

type AddResult struct {
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

type RemoveParams struct {
	PositionID model.PositionID
	Liquidity  *big.Int
	Amount0Min *big.Int
	Amount1Min *big.Int
	Deadline   time.Time
}

type RemoveResult struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

type CollectParams struct {
	PositionID model.PositionID
	Recipient  common.Address
	Amount0Max *big.Int
	Amount1Max *big.Int
}

type CollectResult struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// MaxCollect is the uint128 cap used to collect everything owed.
func MaxCollect() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
}
