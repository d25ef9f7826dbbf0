// Package store provides SQLite-backed persistence for attest.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/models"
	_ "modernc.org/sqlite"
)

// Store is the durable audit log. Task state is never stored separately; it is
// rebuilt by replaying the events held here.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	stamp audit.Stamper
}

var _ audit.Log = (*Store)(nil)

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	return NewWithClock(dbPath, audit.SystemClock)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(dbPath string, clock audit.Clock) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, stamp: audit.Stamper{Clock: clock}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.resumeClock(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_task_id ON audit_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) resumeClock() error {
	var ts string
	err := s.db.QueryRow(`SELECT ts FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query last event: %w", err)
	}
	last, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("parse last event time: %w", err)
	}
	s.stamp.Resume(last)
	return nil
}

// Append implements audit.Log. The insert runs in its own transaction so a
// failed write leaves no partial record.
func (s *Store) Append(ctx context.Context, ev models.AuditEvent) (models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := encodeTask(ev.Before)
	if err != nil {
		return models.AuditEvent{}, err
	}
	after, err := encodeTask(ev.After)
	if err != nil {
		return models.AuditEvent{}, err
	}
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return models.AuditEvent{}, fmt.Errorf("encode payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := s.stamp.Next()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (ts, task_id, actor, action, before_json, after_json, payload_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), ev.TaskID, ev.Actor, ev.Action, before, after, payload,
	)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("read event id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.AuditEvent{}, fmt.Errorf("commit transaction: %w", err)
	}

	return decodeEvent(id, ts.Format(time.RFC3339Nano), ev.TaskID, string(ev.Actor), ev.Action, before, after, payload)
}

// Events implements audit.Log. Events come back in id order, which matches
// (timestamp, id) order because timestamps are handed out non-decreasing.
func (s *Store) Events(ctx context.Context, f audit.Filter) ([]models.AuditEvent, error) {
	query := `SELECT id, ts, task_id, actor, action, before_json, after_json, payload_json FROM audit_events`
	var where []string
	var args []interface{}

	if f.TaskID != "" {
		where = append(where, `task_id = ?`)
		args = append(args, f.TaskID)
	}
	if f.Actor != "" {
		where = append(where, `actor = ?`)
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		where = append(where, `action = ?`)
		args = append(args, f.Action)
	}
	if f.ActionPrefix != "" {
		where = append(where, `substr(action, 1, ?) = ?`)
		args = append(args, len(f.ActionPrefix), f.ActionPrefix)
	}
	if f.AfterID > 0 {
		where = append(where, `id > ?`)
		args = append(args, f.AfterID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var (
			id                     int64
			ts, taskID             string
			actor, action          string
			before, after, payload sql.NullString
		)
		if err := rows.Scan(&id, &ts, &taskID, &actor, &action, &before, &after, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := decodeEvent(id, ts, taskID, actor, action, before, after, payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func encodeTask(t *models.Task) (sql.NullString, error) {
	if t == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode task snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeEvent(id int64, ts, taskID, actor, action string, before, after, payload sql.NullString) (models.AuditEvent, error) {
	stamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return models.AuditEvent{}, fmt.Errorf("parse event %d time: %w", id, err)
	}
	ev := models.AuditEvent{
		ID:        id,
		Timestamp: stamp,
		TaskID:    taskID,
		Actor:     models.Actor(actor),
		Action:    action,
	}
	if before.Valid {
		ev.Before = &models.Task{}
		if err := json.Unmarshal([]byte(before.String), ev.Before); err != nil {
			return models.AuditEvent{}, fmt.Errorf("decode event %d before: %w", id, err)
		}
	}
	if after.Valid {
		ev.After = &models.Task{}
		if err := json.Unmarshal([]byte(after.String), ev.After); err != nil {
			return models.AuditEvent{}, fmt.Errorf("decode event %d after: %w", id, err)
		}
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return models.AuditEvent{}, fmt.Errorf("decode event %d payload: %w", id, err)
		}
	}
	return ev, nil
}
