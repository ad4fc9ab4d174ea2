package storage

import (
	"context"

	"liquidityManager/internal/model"
)

// StateStore persists the deposit ledger between runs.
type StateStore interface {
	Load(ctx context.Context) (model.LedgerState, bool, error)
	Save(ctx context.Context, state model.LedgerState) error
}
