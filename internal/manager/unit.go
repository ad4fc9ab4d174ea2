package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liquidityManager/internal/model"
)

// Snapshotter is implemented by collaborators that can undo their own state
// changes. Snapshot captures the current state; the returned func restores it.
type Snapshotter interface {
	Snapshot() func()
}

func canRestore(v interface{}) bool {
	_, ok := v.(Snapshotter)
	return ok
}

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// unit is one all-or-nothing lifecycle operation. Collaborators that snapshot
// are restored on failure; the others get compensations. Events are buffered
// and published last, so a failed operation publishes nothing.
type unit struct {
	m       *Manager
	op      string
	id      string
	started time.Time
	seq     uint64

	restores      []func()
	compensations []compensation
	events        []model.Event

	// irreversible is set once a pool call committed that the pool cannot
	// roll back. From then on the ledger keeps what it recorded.
	irreversible bool
	saved        bool
	done         bool
}

// begin must be called with m.mu held.
func (m *Manager) begin(op string) *unit {
	u := &unit{
		m:       m,
		op:      op,
		id:      uuid.NewString(),
		started: time.Now(),
		seq:     m.seq,
	}
	for _, c := range []interface{}{m.ledger, m.custody, m.pool, m.sink} {
		if s, ok := c.(Snapshotter); ok {
			u.restores = append(u.restores, s.Snapshot())
		}
	}
	return u
}

// compensate registers an undo step for a committed call on a collaborator
// that cannot snapshot.
func (u *unit) compensate(name string, fn func(ctx context.Context) error) {
	u.compensations = append(u.compensations, compensation{name: name, fn: fn})
}

// poolCommitted marks the point after which a non-rollbackable pool holds
// the operation's effect.
func (u *unit) poolCommitted() {
	if !canRestore(u.m.pool) {
		u.irreversible = true
	}
}

func (u *unit) emit(name string, id model.PositionID, data interface{}) model.Event {
	u.m.seq++
	ev := model.Event{
		ID:          uuid.NewString(),
		Sequence:    u.m.seq,
		OperationID: u.id,
		Name:        name,
		PositionID:  id,
		Timestamp:   u.m.cfg.Clock().UTC(),
		Data:        data,
	}
	u.events = append(u.events, ev)
	return ev
}

// save persists the ledger. Used on its own by the decrease path to record a
// pending collection before collecting.
func (u *unit) save(ctx context.Context) error {
	if u.m.store == nil {
		return nil
	}
	if err := u.m.store.Save(ctx, u.m.ledger.State()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	u.saved = true
	return nil
}

func (u *unit) commit(ctx context.Context) error {
	if err := u.save(ctx); err != nil {
		if !u.irreversible {
			return err
		}
		// The pool already holds the change; the next save catches up.
		u.m.logger.Error("state not saved after pool commit", zap.String("op", u.op), zap.String("operation_id", u.id), zap.Error(err))
	}
	if err := u.m.publish(ctx, u.events); err != nil {
		if len(u.events) == 0 {
			u.m.logger.Warn("deferred events still unpublished", zap.String("op", u.op), zap.Error(err))
			u.done = true
			return nil
		}
		if !u.irreversible {
			return fmt.Errorf("publish events: %w", err)
		}
		// The operation stands; its events wait in the ledger for the next
		// publish.
		u.m.ledger.Defer(u.events...)
		u.m.metrics.eventsDeferred.Add(float64(len(u.events)))
		u.m.logger.Error("events deferred after pool commit",
			zap.String("op", u.op),
			zap.String("operation_id", u.id),
			zap.Int("events", len(u.events)),
			zap.Error(err),
		)
		if err := u.save(ctx); err != nil {
			u.m.logger.Error("deferred events not saved", zap.String("operation_id", u.id), zap.Error(err))
		}
	}
	u.done = true
	return nil
}

// publish sends the ledger's deferred events followed by events. The
// deferred queue is cleared only when the sink accepted both. Must be
// called with m.mu held.
func (m *Manager) publish(ctx context.Context, events []model.Event) error {
	deferred := m.ledger.Unpublished()
	batch := append(deferred, events...)
	if len(batch) == 0 {
		return nil
	}
	if err := m.sink.Publish(ctx, batch); err != nil {
		return err
	}
	for _, ev := range batch {
		m.metrics.eventsTotal.WithLabelValues(ev.Name).Inc()
	}
	if len(deferred) == 0 {
		return nil
	}
	m.ledger.ClearUnpublished()
	m.metrics.eventsDeferred.Sub(float64(len(deferred)))
	m.logger.Info("deferred events published", zap.Int("events", len(deferred)))
	if m.store != nil {
		// Sinks skip sequences they already hold, so a stale queue is harmless.
		if err := m.store.Save(ctx, m.ledger.State()); err != nil {
			m.logger.Warn("save after publishing deferred events", zap.Error(err))
		}
	}
	return nil
}

// finish rolls the unit back unless it committed, and records metrics.
func (u *unit) finish(ctx context.Context, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	if !u.done {
		if err == nil {
			err = fmt.Errorf("%s: operation did not commit", u.op)
			if errp != nil {
				*errp = err
			}
		}
		u.rollback(ctx, err)
	}
	u.m.metrics.observe(u.op, u.started, err)
	u.m.metrics.setPositions(u.m.ledger)
}

func (u *unit) rollback(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	u.m.seq = u.seq
	u.m.metrics.rollbacks.WithLabelValues(u.op).Inc()

	if u.irreversible {
		u.m.logger.Error("operation failed after pool commit, ledger keeps the committed state",
			zap.String("op", u.op),
			zap.String("operation_id", u.id),
			zap.Error(cause),
		)
		if !u.saved {
			if err := u.save(ctx); err != nil {
				u.m.logger.Error("save state", zap.Error(err))
			}
		}
		return
	}

	for i := len(u.compensations) - 1; i >= 0; i-- {
		c := u.compensations[i]
		if err := c.fn(ctx); err != nil {
			u.m.logger.Error("compensation failed",
				zap.String("op", u.op),
				zap.String("operation_id", u.id),
				zap.String("step", c.name),
				zap.Error(err),
			)
		}
	}
	for i := len(u.restores) - 1; i >= 0; i-- {
		u.restores[i]()
	}
	if u.saved {
		if err := u.save(ctx); err != nil {
			u.m.logger.Error("save restored state", zap.Error(err))
		}
	}
	u.m.logger.Warn("operation rolled back",
		zap.String("op", u.op),
		zap.String("operation_id", u.id),
		zap.Error(cause),
	)
}
