package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventDataJSONStringFields(t *testing.T) {
	event := Event{
		ID:         "7d7f4e4e-0000-4000-8000-000000000001",
		Sequence:   3,
		Name:       EventPositionMinted,
		PositionID: 42,
		Timestamp:  time.Unix(1700000000, 0).UTC(),
		Data: PositionMintedData{
			PositionID: 42,
			Liquidity:  "340282366920938463463374607431768211455",
			Amount0:    "1000000000000000000000",
			Amount1:    "1000000000",
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var record EventRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if record.Name != EventPositionMinted || record.PositionID != 42 || record.Sequence != 3 {
		t.Fatalf("envelope mismatch: %+v", record)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(record.Data, &decoded); err != nil {
		t.Fatalf("unmarshal data failed: %v", err)
	}
	for _, key := range []string{"liquidity", "amount0", "amount1"} {
		if _, ok := decoded[key].(string); !ok {
			t.Fatalf("%s should be string", key)
		}
	}
}
