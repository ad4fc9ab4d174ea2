package events

import (
	"context"

	"liquidityManager/internal/model"
)

// Sink receives lifecycle events after an operation succeeded.
type Sink interface {
	Publish(ctx context.Context, events []model.Event) error
}

// Multi publishes to every sink in order and stops at the first failure.
// Durable sinks should come first.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, events []model.Event) error {
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot captures every child sink that supports it.
func (m Multi) Snapshot() func() {
	restores := make([]func(), 0, len(m))
	for _, sink := range m {
		if s, ok := sink.(interface{ Snapshot() func() }); ok {
			restores = append(restores, s.Snapshot())
		}
	}
	return func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
}

// unseen drops sequenced events at or below last. Unsequenced events pass.
func unseen(events []model.Event, last uint64) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Sequence != 0 && ev.Sequence <= last {
			continue
		}
		out = append(out, ev)
	}
	return out
}
