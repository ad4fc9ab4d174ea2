package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"liquidityManager/internal/model"
)

// Journal appends events to a JSONL file. Sequenced events already in the
// file are not written again, so a batch can be republished after a failure.
type Journal struct {
	path string
	mu   sync.Mutex

	last  uint64
	known bool
}

func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Publish appends a batch of events as JSON lines.
func (j *Journal) Publish(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(j.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.known {
		last, err := LastSequence(j.path)
		if err != nil {
			return err
		}
		j.last, j.known = last, true
	}
	events = unseen(events, j.last)
	if len(events) == 0 {
		return nil
	}
	// A failed write may leave part of the batch behind; reread on next use.
	j.known = false

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := file.Sync(); err != nil {
		return err
	}
	for _, ev := range events {
		if ev.Sequence > j.last {
			j.last = ev.Sequence
		}
	}
	j.known = true
	return nil
}

// ReadJournal loads every record of a journal. A missing file is empty.
func ReadJournal(path string) ([]model.EventRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var out []model.EventRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec model.EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}

// Events returns the journal records of one position in journal order.
func (j *Journal) Events(ctx context.Context, id model.PositionID) ([]model.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	records, err := ReadJournal(j.path)
	j.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]model.EventRecord, 0, len(records))
	for _, rec := range records {
		if rec.PositionID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

// LastSequence returns the highest sequence in the journal, or zero.
func LastSequence(path string) (uint64, error) {
	records, err := ReadJournal(path)
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, rec := range records {
		if rec.Sequence > last {
			last = rec.Sequence
		}
	}
	return last, nil
}

// Snapshot records the journal size; restoring truncates appended lines.
func (j *Journal) Snapshot() func() {
	j.mu.Lock()
	var size int64 = -1
	if stat, err := os.Stat(j.path); err == nil {
		size = stat.Size()
	}
	j.mu.Unlock()
	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.known = false
		if size < 0 {
			_ = os.Remove(j.path)
			return
		}
		_ = os.Truncate(j.path, size)
	}
}
