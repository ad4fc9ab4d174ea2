package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"liquidityManager/internal/model"
)

// Log is an in-memory append-only event log.
type Log struct {
	mu     sync.RWMutex
	events []model.Event
}

func NewLog() *Log {
	return &Log{}
}

// Publish appends events. Sequenced events at or below the last appended
// sequence are already in the log and are skipped.
func (l *Log) Publish(ctx context.Context, events []model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	var last uint64
	if n := len(l.events); n > 0 {
		last = l.events[n-1].Sequence
	}
	l.events = append(l.events, unseen(events, last)...)
	l.mu.Unlock()
	return nil
}

// Events returns a copy of every published event.
func (l *Log) Events() []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Event, len(l.events))
	copy(out, l.events)
	return out
}

// ByPosition returns the events of one position in publish order.
func (l *Log) ByPosition(id model.PositionID) []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Event
	for _, ev := range l.events {
		if ev.PositionID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Snapshot records the current length; restoring truncates back to it.
func (l *Log) Snapshot() func() {
	l.mu.RLock()
	n := len(l.events)
	l.mu.RUnlock()
	return func() {
		l.mu.Lock()
		if len(l.events) > n {
			l.events = l.events[:n]
		}
		l.mu.Unlock()
	}
}

// LogReader reads a Log back in journal form.
type LogReader struct {
	Log *Log
}

func (r LogReader) Events(ctx context.Context, id model.PositionID) ([]model.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	evs := r.Log.ByPosition(id)
	out := make([]model.EventRecord, 0, len(evs))
	for _, ev := range evs {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		var rec model.EventRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
