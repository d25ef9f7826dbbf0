package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/protocol"
)

// SessionState is the session-wide run state.
type SessionState string

const (
	SessionRunning SessionState = "running"
	SessionPaused  SessionState = "paused"
	SessionStopped SessionState = "stopped"
)

// SessionStatus is a snapshot of the session.
type SessionStatus struct {
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	ChangedAt time.Time    `json:"changed_at,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Session owns the pause flag that gates new protocol rounds. Every state
// change is written to the audit log before it takes effect.
type Session struct {
	log    audit.Log
	clock  audit.Clock
	logger *slog.Logger

	mu      sync.Mutex
	status  SessionStatus
	changed chan struct{}
}

var _ protocol.Gate = (*Session)(nil)

// NewSession starts a running session.
func NewSession(log audit.Log, clock audit.Clock, logger *slog.Logger) *Session {
	if clock == nil {
		clock = audit.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		log:     log,
		clock:   clock,
		logger:  logger.With("component", "session"),
		status:  SessionStatus{State: SessionRunning, StartedAt: clock().UTC()},
		changed: make(chan struct{}),
	}
}

// RestoreSession rebuilds the session from the log. The session clock and
// the stopped flag belong to the latest session.start; a log without one
// dates the session from its first event.
func RestoreSession(ctx context.Context, log audit.Log, clock audit.Clock, logger *slog.Logger) (*Session, error) {
	s := NewSession(log, clock, logger)
	all, err := log.Events(ctx, audit.Filter{})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if len(all) > 0 {
		s.status.StartedAt = all[0].Timestamp
	}
	for _, ev := range all {
		if ev.TaskID != "" {
			continue
		}
		s.apply(ev)
	}
	s.logger.Info("session restored", "state", s.status.State, "started_at", s.status.StartedAt)
	return s, nil
}

func (s *Session) apply(ev models.AuditEvent) {
	switch ev.Action {
	case models.ActionSessionStart:
		// A paused session stays paused across a new run.
		if s.status.State == SessionStopped {
			s.status.State = SessionRunning
			s.status.Reason = ""
		}
		s.status.StartedAt = ev.Timestamp
		s.status.ChangedAt = ev.Timestamp
		close(s.changed)
		s.changed = make(chan struct{})
		return
	case models.ActionSessionPause:
		s.status.State = SessionPaused
	case models.ActionSessionResume:
		s.status.State = SessionRunning
	case models.ActionSessionStop:
		s.status.State = SessionStopped
	default:
		return
	}
	s.status.ChangedAt = ev.Timestamp
	s.status.Reason = ev.Payload["reason"]
	close(s.changed)
	s.changed = make(chan struct{})
}

// Begin opens a new session run: the session clock restarts and a stopped
// session runs again. A paused session stays paused until Resume.
func (s *Session) Begin(ctx context.Context, actor models.Actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload map[string]string
	if reason != "" {
		payload = map[string]string{"reason": reason}
	}
	ev, err := s.log.Append(ctx, models.AuditEvent{Actor: actor, Action: models.ActionSessionStart, Payload: payload})
	if err != nil {
		s.logger.Error("session event append failed", "action", models.ActionSessionStart, "error", err)
		return fmt.Errorf("%w: %s: %v", models.ErrLogWriteFailure, models.ActionSessionStart, err)
	}
	s.apply(ev)
	s.logger.Info("session started", "state", s.status.State, "actor", actor, "started_at", s.status.StartedAt)
	return nil
}

// Pause blocks new rounds until Resume. Pausing a paused session is a no-op.
func (s *Session) Pause(ctx context.Context, actor models.Actor, reason string) error {
	return s.transition(ctx, actor, models.ActionSessionPause, SessionPaused, reason)
}

// Resume lets new rounds start again.
func (s *Session) Resume(ctx context.Context, actor models.Actor) error {
	return s.transition(ctx, actor, models.ActionSessionResume, SessionRunning, "")
}

// Stop ends the session. A stopped session cannot be resumed; only Begin
// opens a new one.
func (s *Session) Stop(ctx context.Context, actor models.Actor, reason string) error {
	return s.transition(ctx, actor, models.ActionSessionStop, SessionStopped, reason)
}

func (s *Session) transition(ctx context.Context, actor models.Actor, action string, to SessionState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == to {
		return nil
	}
	if s.status.State == SessionStopped {
		return models.ErrSessionStopped
	}

	var payload map[string]string
	if reason != "" {
		payload = map[string]string{"reason": reason}
	}
	ev, err := s.log.Append(ctx, models.AuditEvent{Actor: actor, Action: action, Payload: payload})
	if err != nil {
		s.logger.Error("session event append failed", "action", action, "error", err)
		return fmt.Errorf("%w: %s: %v", models.ErrLogWriteFailure, action, err)
	}
	s.apply(ev)
	s.logger.Info("session state changed", "state", to, "actor", actor, "reason", reason)
	return nil
}

// Status returns the current session snapshot.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Wait implements protocol.Gate.
func (s *Session) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed := s.status.State, s.changed
		s.mu.Unlock()

		switch state {
		case SessionStopped:
			return models.ErrSessionStopped
		case SessionRunning:
			return ctx.Err()
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartedAt implements protocol.Gate.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.StartedAt
}
