package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liquidityManager/internal/model"
)

// Store provides Postgres persistence for the deposit ledger, lifecycle
// events and audit checkpoints. Rows are partitioned by scope so several
// managers can share one database.
type Store struct {
	pool  *pgxpool.Pool
	scope string
}

func NewStore(ctx context.Context, dsn, scope string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if scope == "" {
		return nil, fmt.Errorf("store scope is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, scope: scope}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Load reads the ledger state of this scope.
func (s *Store) Load(ctx context.Context) (model.LedgerState, bool, error) {
	var state model.LedgerState

	rows, err := s.pool.Query(ctx, `
		SELECT position_id, owner, liquidity::text, token0, token1, tick_lower, tick_upper
		FROM deposits WHERE scope=$1 ORDER BY position_id
	`, s.scope)
	if err != nil {
		return state, false, err
	}
	for rows.Next() {
		var (
			id                   int64
			owner, liq, t0, t1   string
			tickLower, tickUpper int32
		)
		if err := rows.Scan(&id, &owner, &liq, &t0, &t1, &tickLower, &tickUpper); err != nil {
			rows.Close()
			return state, false, err
		}
		liquidity, err := model.ParseBig(liq)
		if err != nil {
			rows.Close()
			return state, false, fmt.Errorf("deposit %d: %w", id, err)
		}
		state.Deposits = append(state.Deposits, model.Deposit{
			PositionID: model.PositionID(id),
			Owner:      common.HexToAddress(owner),
			Liquidity:  liquidity,
			Token0:     common.HexToAddress(t0),
			Token1:     common.HexToAddress(t1),
			TickLower:  tickLower,
			TickUpper:  tickUpper,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, false, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT position_id, owner, amount0_owed::text, amount1_owed::text, recorded_at
		FROM pending_collections WHERE scope=$1 ORDER BY position_id
	`, s.scope)
	if err != nil {
		return state, false, err
	}
	for rows.Next() {
		var (
			id         int64
			owner      string
			p          model.PendingCollection
			recordedAt time.Time
		)
		if err := rows.Scan(&id, &owner, &p.Amount0Owed, &p.Amount1Owed, &recordedAt); err != nil {
			rows.Close()
			return state, false, err
		}
		p.PositionID = model.PositionID(id)
		p.Owner = common.HexToAddress(owner)
		p.RecordedAt = recordedAt.UTC()
		state.Pending = append(state.Pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, false, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT owner, amount0::text, amount1::text
		FROM unallocated_balances WHERE scope=$1 ORDER BY owner
	`, s.scope)
	if err != nil {
		return state, false, err
	}
	for rows.Next() {
		var (
			owner string
			u     model.Unallocated
		)
		if err := rows.Scan(&owner, &u.Amount0, &u.Amount1); err != nil {
			rows.Close()
			return state, false, err
		}
		u.Owner = common.HexToAddress(owner)
		state.Unallocated = append(state.Unallocated, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, false, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT payload FROM unpublished_events WHERE scope=$1 ORDER BY sequence
	`, s.scope)
	if err != nil {
		return state, false, err
	}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return state, false, err
		}
		var rec model.EventRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			rows.Close()
			return state, false, fmt.Errorf("unpublished event: %w", err)
		}
		state.Unpublished = append(state.Unpublished, model.Event{
			ID:          rec.ID,
			Sequence:    rec.Sequence,
			OperationID: rec.OperationID,
			Name:        rec.Name,
			PositionID:  rec.PositionID,
			Timestamp:   rec.Timestamp,
			Data:        rec.Data,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, false, err
	}

	found := len(state.Deposits) > 0 || len(state.Pending) > 0 || len(state.Unallocated) > 0 || len(state.Unpublished) > 0
	return state, found, nil
}

// Save replaces the scope's ledger state in one transaction. Deposits are
// upserted and never deleted.
func (s *Store) Save(ctx context.Context, state model.LedgerState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, dep := range state.Deposits {
		batch.Queue(`
			INSERT INTO deposits (
				scope, position_id, owner, liquidity, token0, token1, tick_lower, tick_upper, created_at, updated_at
			) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, now(), now())
			ON CONFLICT (scope, position_id)
			DO UPDATE SET
				liquidity = EXCLUDED.liquidity,
				updated_at = now()
		`,
			s.scope,
			int64(dep.PositionID),
			dep.Owner.Hex(),
			model.BigString(dep.Liquidity),
			dep.Token0.Hex(),
			dep.Token1.Hex(),
			dep.TickLower,
			dep.TickUpper,
		)
	}
	batch.Queue(`DELETE FROM pending_collections WHERE scope=$1`, s.scope)
	for _, p := range state.Pending {
		batch.Queue(`
			INSERT INTO pending_collections (scope, position_id, owner, amount0_owed, amount1_owed, recorded_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		`, s.scope, int64(p.PositionID), p.Owner.Hex(), p.Amount0Owed, p.Amount1Owed, p.RecordedAt)
	}
	batch.Queue(`DELETE FROM unallocated_balances WHERE scope=$1`, s.scope)
	for _, u := range state.Unallocated {
		batch.Queue(`
			INSERT INTO unallocated_balances (scope, owner, amount0, amount1, updated_at)
			VALUES ($1, $2, $3::numeric, $4::numeric, now())
		`, s.scope, u.Owner.Hex(), u.Amount0, u.Amount1)
	}
	batch.Queue(`DELETE FROM unpublished_events WHERE scope=$1`, s.scope)
	for _, ev := range state.Unpublished {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal unpublished event %d: %w", ev.Sequence, err)
		}
		batch.Queue(`
			INSERT INTO unpublished_events (scope, sequence, payload)
			VALUES ($1, $2, $3)
		`, s.scope, int64(ev.Sequence), payload)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Publish stores lifecycle events; replays of the same event id are ignored.
func (s *Store) Publish(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		batch.Queue(`
			INSERT INTO lifecycle_events (id, scope, sequence, operation_id, name, position_id, emitted_at, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, s.scope, int64(ev.Sequence), ev.OperationID, ev.Name, int64(ev.PositionID), ev.Timestamp, data)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the scope's events for a position in sequence order.
func (s *Store) Events(ctx context.Context, id model.PositionID) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, sequence, operation_id::text, name, position_id, emitted_at, data
		FROM lifecycle_events WHERE scope=$1 AND position_id=$2 ORDER BY sequence
	`, s.scope, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventRecord
	for rows.Next() {
		var (
			rec      model.EventRecord
			seq, pid int64
			data     []byte
		)
		if err := rows.Scan(&rec.ID, &seq, &rec.OperationID, &rec.Name, &pid, &rec.Timestamp, &data); err != nil {
			return nil, err
		}
		rec.Sequence = uint64(seq)
		rec.PositionID = model.PositionID(pid)
		rec.Data = json.RawMessage(data)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastSequence returns the highest event sequence stored for the scope.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var seq int64
	row := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM lifecycle_events WHERE scope=$1`, s.scope)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// LoadCheckpoint returns last_processed_block for a name.
func (s *Store) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("checkpoint name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM audit_checkpoints WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// SaveCheckpoint upserts last_processed_block for a name.
func (s *Store) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("checkpoint name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_checkpoints (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, name, int64(block))
	return err
}
