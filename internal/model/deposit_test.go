package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDepositJSONRoundTrip(t *testing.T) {
	liquidity, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	original := Deposit{
		PositionID: 7,
		Owner:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Liquidity:  liquidity,
		Token0:     common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
		Token1:     common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		TickLower:  -276400,
		TickUpper:  -276250,
	}

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal raw failed: %v", err)
	}
	if raw["liquidity"] != "123456789012345678901234567890" {
		t.Fatalf("liquidity should be a decimal string, got %v", raw["liquidity"])
	}

	var decoded Deposit
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round-trip mismatch: %+v != %+v", original, decoded)
	}
}

func TestDepositCloneIsDeep(t *testing.T) {
	d := Deposit{Liquidity: big.NewInt(10)}
	c := d.Clone()
	c.Liquidity.SetInt64(99)
	if d.Liquidity.Int64() != 10 {
		t.Fatalf("clone shares liquidity")
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("open position: %w", ErrSlippageExceeded)
	if !IsRetryable(wrapped) {
		t.Fatalf("slippage should be retryable")
	}
	if IsRetryable(ErrUnknownPosition) {
		t.Fatalf("unknown position is not retryable")
	}
	if !IsInternalFault(fmt.Errorf("push: %w", ErrInsufficientCustodyBalance)) {
		t.Fatalf("custody shortfall is an internal fault")
	}
	if errors.Is(ErrExpired, ErrSlippageExceeded) {
		t.Fatalf("kinds must be distinct")
	}
}

func TestParsePositionID(t *testing.T) {
	id, err := ParsePositionID("12345")
	if err != nil || id != 12345 {
		t.Fatalf("parse: %v %d", err, id)
	}
	if _, err := ParsePositionID("-1"); err == nil {
		t.Fatalf("expected error for negative id")
	}
}
