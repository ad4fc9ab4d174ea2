package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"liquidityManager/internal/model"
)

func sampleEvent(seq uint64, id model.PositionID) model.Event {
	return model.Event{
		ID:          "ev",
		Sequence:    seq,
		OperationID: "op",
		Name:        model.EventPositionMinted,
		PositionID:  id,
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Data: model.PositionMintedData{
			PositionID: id,
			Liquidity:  "100",
			Amount0:    "1",
			Amount1:    "2",
		},
	}
}

func TestLogSnapshot(t *testing.T) {
	ctx := context.Background()
	log := NewLog()
	if err := log.Publish(ctx, []model.Event{sampleEvent(1, 1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	restore := log.Snapshot()
	if err := log.Publish(ctx, []model.Event{sampleEvent(2, 2), sampleEvent(3, 2)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(log.ByPosition(2)); got != 2 {
		t.Fatalf("expected 2 events for position 2, got %d", got)
	}
	restore()
	if log.Len() != 1 {
		t.Fatalf("expected 1 event after restore, got %d", log.Len())
	}
}

func TestJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	journal := NewJournal(path)

	if err := journal.Publish(ctx, []model.Event{sampleEvent(1, 5)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := journal.Publish(ctx, []model.Event{sampleEvent(2, 5)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	records, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	var data model.PositionMintedData
	if err := json.Unmarshal(records[0].Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.PositionID != 5 || data.Liquidity != "100" {
		t.Fatalf("payload mismatch: %+v", data)
	}

	last, err := LastSequence(path)
	if err != nil || last != 2 {
		t.Fatalf("last sequence mismatch: %d %v", last, err)
	}
}

func TestReadJournalMissingFile(t *testing.T) {
	records, err := ReadJournal(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil || records != nil {
		t.Fatalf("expected empty result, got %v %v", records, err)
	}
}

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, []model.Event) error { return f.err }

func TestMultiStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("disk full")
	first := NewLog()
	last := NewLog()
	multi := Multi{first, failingSink{err: boom}, last}

	restore := multi.Snapshot()
	err := multi.Publish(context.Background(), []model.Event{sampleEvent(1, 1)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if first.Len() != 1 || last.Len() != 0 {
		t.Fatalf("unexpected fan-out: first=%d last=%d", first.Len(), last.Len())
	}
	restore()
	if first.Len() != 0 {
		t.Fatalf("snapshot should truncate the first sink")
	}
}

func TestJournalSnapshotTruncates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	journal := NewJournal(path)
	if err := journal.Publish(ctx, []model.Event{sampleEvent(1, 1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	restore := journal.Snapshot()
	if err := journal.Publish(ctx, []model.Event{sampleEvent(2, 1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	restore()

	records, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 1 || records[0].Sequence != 1 {
		t.Fatalf("expected only the first record, got %+v", records)
	}
}

func TestReadersFilterByPosition(t *testing.T) {
	ctx := context.Background()
	batch := []model.Event{sampleEvent(1, 1), sampleEvent(2, 2), sampleEvent(3, 1)}

	journal := NewJournal(filepath.Join(t.TempDir(), "events.jsonl"))
	log := NewLog()
	for _, sink := range []Sink{journal, log} {
		if err := sink.Publish(ctx, batch); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	readers := map[string]interface {
		Events(context.Context, model.PositionID) ([]model.EventRecord, error)
	}{
		"journal": journal,
		"log":     LogReader{Log: log},
	}
	for name, reader := range readers {
		records, err := reader.Events(ctx, 1)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(records) != 2 || records[0].Sequence != 1 || records[1].Sequence != 3 {
			t.Fatalf("%s: unexpected records %+v", name, records)
		}
		var data model.PositionMintedData
		if err := json.Unmarshal(records[1].Data, &data); err != nil || data.Liquidity != "100" {
			t.Fatalf("%s: payload %s: %v", name, records[1].Data, err)
		}
	}
}

func TestSinksSkipPublishedSequences(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	journal := NewJournal(path)
	log := NewLog()

	for _, sink := range []Sink{journal, log} {
		if err := sink.Publish(ctx, []model.Event{sampleEvent(1, 1)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if err := sink.Publish(ctx, []model.Event{sampleEvent(1, 1), sampleEvent(2, 1)}); err != nil {
			t.Fatalf("republish: %v", err)
		}
	}

	records, err := ReadJournal(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(records) != 2 || records[0].Sequence != 1 || records[1].Sequence != 2 {
		t.Fatalf("journal holds %+v", records)
	}
	if log.Len() != 2 {
		t.Fatalf("log holds %d events", log.Len())
	}

	// A fresh journal on the same file learns the last sequence from disk.
	reopened := NewJournal(path)
	if err := reopened.Publish(ctx, []model.Event{sampleEvent(2, 1), sampleEvent(3, 1)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if last, err := LastSequence(path); err != nil || last != 3 {
		t.Fatalf("last sequence %d %v", last, err)
	}
	if records, _ := ReadJournal(path); len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}
