package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fentz26/attest/internal/models"
)

// MemoryLog is an in-process Log. Events are stored in encoded form so that
// readers can never alias or mutate committed records.
type MemoryLog struct {
	mu      sync.Mutex
	records [][]byte
	nextID  int64
	stamp   Stamper

	// FailWith, when set, makes every Append fail with the returned error.
	FailWith func(ev models.AuditEvent) error
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog(clock Clock) *MemoryLog {
	return &MemoryLog{nextID: 1, stamp: Stamper{Clock: clock}}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, ev models.AuditEvent) (models.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.AuditEvent{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailWith != nil {
		if err := l.FailWith(ev); err != nil {
			return models.AuditEvent{}, err
		}
	}

	ev.ID = l.nextID
	ev.Timestamp = l.stamp.Next()
	data, err := json.Marshal(ev)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("encode event: %w", err)
	}
	l.records = append(l.records, data)
	l.nextID++

	var out models.AuditEvent
	if err := json.Unmarshal(data, &out); err != nil {
		return models.AuditEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return out, nil
}

// Events implements Log.
func (l *MemoryLog) Events(ctx context.Context, f Filter) ([]models.AuditEvent, error) {
	l.mu.Lock()
	records := append([][]byte(nil), l.records...)
	l.mu.Unlock()

	var out []models.AuditEvent
	for _, data := range records {
		var ev models.AuditEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Len returns the number of committed events.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
