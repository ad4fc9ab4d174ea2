package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"liquidityManager/internal/model"
)

// FileStore stores ledger state in a local JSON file.
type FileStore struct {
	Path string
}

type stateRecord struct {
	State     model.LedgerState `json:"state"`
	UpdatedAt string            `json:"updated_at"`
}

func (s *FileStore) Load(ctx context.Context) (model.LedgerState, bool, error) {
	if s == nil || s.Path == "" {
		return model.LedgerState{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.LedgerState{}, false, nil
		}
		return model.LedgerState{}, false, fmt.Errorf("read state: %w", err)
	}

	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.LedgerState{}, false, fmt.Errorf("parse state: %w", err)
	}
	return rec.State, true, nil
}

// Save writes the state atomically via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, state model.LedgerState) error {
	if s == nil || s.Path == "" {
		return nil
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	rec := stateRecord{
		State:     state,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmpPath := s.Path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
