package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolMeta captures immutable pool metadata.
type PoolMeta struct {
	Address     common.Address `json:"address"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tick_spacing"`
}

// Slot0 is the pool's current price.
type Slot0 struct {
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96"`
	Tick         int32    `json:"tick"`
}
