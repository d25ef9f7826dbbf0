// Package notify delivers escalation notices to humans.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fentz26/attest/internal/models"
)

// DefaultSubject is the NATS subject escalations are published on.
const DefaultSubject = "attest.escalations"

// Escalation is the notice sent when a task enters needs_human.
type Escalation struct {
	TaskID   string                   `json:"task_id"`
	ParentID string                   `json:"parent_id,omitempty"`
	Content  string                   `json:"content"`
	Trigger  models.EscalationTrigger `json:"trigger"`
	Reason   string                   `json:"reason"`
	Attempts int                      `json:"audit_attempts"`
	At       time.Time                `json:"at"`
}

// EscalationFor builds the notice for t.
func EscalationFor(t models.Task) Escalation {
	e := Escalation{
		TaskID:   t.ID,
		ParentID: t.ParentID,
		Content:  t.Content,
		Attempts: t.AuditAttempts,
		At:       t.StatusChangedAt,
	}
	if t.Escalation != nil {
		e.Trigger = t.Escalation.Trigger
		e.Reason = t.Escalation.Reason
		e.At = t.Escalation.At
	}
	return e
}

// Notifier delivers escalation notices.
type Notifier interface {
	Notify(ctx context.Context, e Escalation) error
}

// Log writes notices to a structured logger. It never fails.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, e Escalation) error {
	l.logger.Warn("task needs human review",
		"task", e.TaskID,
		"trigger", e.Trigger,
		"reason", e.Reason,
		"audit_attempts", e.Attempts,
	)
	return nil
}

// NATS publishes notices as JSON on a subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, subject string) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("attest"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{conn: conn, subject: subject}, nil
}

// Notify implements Notifier.
func (n *NATS) Notify(ctx context.Context, e Escalation) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return n.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// Multi fans a notice out to every notifier.
type Multi []Notifier

// Notify implements Notifier. Every notifier is tried; failures are joined.
func (m Multi) Notify(ctx context.Context, e Escalation) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observer adapts n to a registry escalation callback. Delivery is bounded
// by timeout and failures are logged, never returned.
func Observer(n Notifier, timeout time.Duration, logger *slog.Logger) func(models.Task) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(t models.Task) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := n.Notify(ctx, EscalationFor(t)); err != nil {
			logger.Error("escalation notification failed", "task", t.ID, "error", err)
		}
	}
}
