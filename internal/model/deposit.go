package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionID identifies a position receipt issued by the pool venue.
type PositionID uint64

func (id PositionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParsePositionID parses a decimal receipt id.
func ParsePositionID(input string) (PositionID, error) {
	val, err := strconv.ParseUint(input, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position id %q: %w", input, err)
	}
	return PositionID(val), nil
}

// Deposit links a position receipt to its depositor and asset pair.
type Deposit struct {
	PositionID PositionID     `json:"position_id"`
	Owner      common.Address `json:"owner"`
	Liquidity  *big.Int       `json:"liquidity"`
	Token0     common.Address `json:"token0"`
	Token1     common.Address `json:"token1"`
	TickLower  int32          `json:"tick_lower"`
	TickUpper  int32          `json:"tick_upper"`
}

// Clone returns a deep copy of the deposit.
func (d Deposit) Clone() Deposit {
	out := d
	out.Liquidity = cloneBig(d.Liquidity)
	return out
}

// MarshalJSON encodes liquidity as a decimal string.
func (d Deposit) MarshalJSON() ([]byte, error) {
	type Alias Deposit
	return json.Marshal(struct {
		Alias
		Liquidity string `json:"liquidity"`
	}{
		Alias:     Alias(d),
		Liquidity: BigString(d.Liquidity),
	})
}

// UnmarshalJSON decodes a Deposit with a string liquidity.
func (d *Deposit) UnmarshalJSON(data []byte) error {
	type Alias Deposit
	aux := struct {
		*Alias
		Liquidity string `json:"liquidity"`
	}{Alias: (*Alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	liquidity, err := ParseBig(aux.Liquidity)
	if err != nil {
		return fmt.Errorf("liquidity: %w", err)
	}
	d.Liquidity = liquidity
	return nil
}

// PendingCollection records liquidity that was removed from the pool while the
// owed tokens have not been collected yet.
type PendingCollection struct {
	PositionID  PositionID     `json:"position_id"`
	Owner       common.Address `json:"owner"`
	Amount0Owed string         `json:"amount0_owed"`
	Amount1Owed string         `json:"amount1_owed"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// Unallocated is custody residue credited to an owner but not attributed to a position.
type Unallocated struct {
	Owner   common.Address `json:"owner"`
	Amount0 string         `json:"amount0"`
	Amount1 string         `json:"amount1"`
}

// LedgerState is the persisted form of the deposit ledger.
type LedgerState struct {
	Deposits    []Deposit           `json:"deposits"`
	Pending     []PendingCollection `json:"pending"`
	Unallocated []Unallocated       `json:"unallocated"`
	// Unpublished holds events of committed operations that no sink has
	// accepted yet, in sequence order.
	Unpublished []Event `json:"unpublished,omitempty"`
}

// BigString renders nil as "0".
func BigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// ParseBig parses a base-10 integer; empty input is zero.
func ParseBig(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid int: %s", value)
	}
	return parsed, nil
}

func cloneBig(value *big.Int) *big.Int {
	if value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}
