package model

import (
	"encoding/json"
	"time"
)

// Lifecycle event names.
const (
	EventPositionMinted           = "PositionMinted"
	EventLiquidityIncreased       = "LiquidityIncreased"
	EventLiquidityDecreasedByHalf = "LiquidityDecreasedByHalf"
)

// PositionMintedData is the PositionMinted payload.
type PositionMintedData struct {
	PositionID PositionID `json:"position_id"`
	Liquidity  string     `json:"liquidity"`
	Amount0    string     `json:"amount0"`
	Amount1    string     `json:"amount1"`
}

// LiquidityIncreasedData is the LiquidityIncreased payload. Liquidity is the
// amount added by the operation.
type LiquidityIncreasedData struct {
	PositionID PositionID `json:"position_id"`
	Liquidity  string     `json:"liquidity"`
	Amount0    string     `json:"amount0"`
	Amount1    string     `json:"amount1"`
}

// LiquidityDecreasedByHalfData is the LiquidityDecreasedByHalf payload.
type LiquidityDecreasedByHalfData struct {
	PositionID PositionID `json:"position_id"`
	Amount0    string     `json:"amount0"`
	Amount1    string     `json:"amount1"`
}

// Event is an emitted lifecycle event.
type Event struct {
	ID          string      `json:"id"`
	Sequence    uint64      `json:"sequence"`
	OperationID string      `json:"operation_id"`
	Name        string      `json:"name"`
	PositionID  PositionID  `json:"position_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Data        interface{} `json:"data"`
}

// EventRecord is the JSON representation used when reading a journal back.
type EventRecord struct {
	ID          string          `json:"id"`
	Sequence    uint64          `json:"sequence"`
	OperationID string          `json:"operation_id"`
	Name        string          `json:"name"`
	PositionID  PositionID      `json:"position_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}
