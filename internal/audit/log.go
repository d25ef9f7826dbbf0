// Package audit defines the append-only lifecycle log for attest.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/fentz26/attest/internal/models"
)

// Log is an append-only, totally ordered store of audit events.
type Log interface {
	// Append persists ev, assigning its ID and Timestamp. The returned event
	// is the committed record; on error nothing was written.
	Append(ctx context.Context, ev models.AuditEvent) (models.AuditEvent, error)

	// Events returns the events matching f in commit order.
	Events(ctx context.Context, f Filter) ([]models.AuditEvent, error)
}

// Filter selects audit events. Zero fields match everything.
type Filter struct {
	TaskID       string
	Actor        models.Actor
	Action       string
	ActionPrefix string
	AfterID      int64
}

// Match reports whether ev satisfies the filter.
func (f Filter) Match(ev models.AuditEvent) bool {
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.Actor != "" && ev.Actor != f.Actor {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.ActionPrefix != "" && !strings.HasPrefix(ev.Action, f.ActionPrefix) {
		return false
	}
	return ev.ID > f.AfterID
}

// Clock returns the current time.
type Clock func() time.Time

// SystemClock is the default wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Stamper hands out non-decreasing timestamps so that ordering by
// (timestamp, id) always agrees with commit order. Not safe for concurrent use;
// callers hold their own append lock.
type Stamper struct {
	Clock Clock
	last  time.Time
}

// Resume seeds the stamper with the last persisted timestamp.
func (s *Stamper) Resume(last time.Time) {
	if last.After(s.last) {
		s.last = last
	}
}

// Next returns the next timestamp.
func (s *Stamper) Next() time.Time {
	clock := s.Clock
	if clock == nil {
		clock = SystemClock
	}
	now := clock().UTC()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now
	return now
}
