// Package controlplane provides the HTTP API and service layer for attest.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
	"github.com/fentz26/attest/internal/scheduler"
)

// Dispatcher is the optional background driver of tasks.
type Dispatcher interface {
	Kick()
	GetStats() scheduler.Stats
}

// Service provides the control plane business logic. Every command is a
// single call into the registry or the session and produces one audit event.
type Service struct {
	reg        *registry.Registry
	session    *Session
	log        audit.Log
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewService creates a new control plane service. Any escalation pauses the
// session until a human resumes it.
func NewService(reg *registry.Registry, session *Session, log audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		reg:     reg,
		session: session,
		log:     log,
		logger:  logger.With("component", "controlplane"),
	}
	reg.OnEscalation(s.onEscalation)
	return s
}

// SetDispatcher attaches the scheduler so commands that create work wake it.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

func (s *Service) onEscalation(t models.Task) {
	reason := fmt.Sprintf("task %s needs human review", t.ID)
	if t.Escalation != nil {
		reason = fmt.Sprintf("task %s escalated (%s): %s", t.ID, t.Escalation.Trigger, t.Escalation.Reason)
	}
	if err := s.session.Pause(context.Background(), models.ActorSystem, reason); err != nil && s.session.Status().State != SessionStopped {
		s.logger.Error("failed to pause session on escalation", "task", t.ID, "error", err)
	}
}

func (s *Service) kick() {
	if s.dispatcher != nil {
		s.dispatcher.Kick()
	}
}

// --- Task Commands ---

// CreateTask adds a new top-level task.
func (s *Service) CreateTask(ctx context.Context, content string, criteria []models.Criterion) (models.Task, error) {
	return s.reg.Create(ctx, registry.NewTask{Content: content, Criteria: criteria})
}

// AddSubtask adds a task under parentID.
func (s *Service) AddSubtask(ctx context.Context, parentID, content string, criteria []models.Criterion) (models.Task, error) {
	return s.reg.Create(ctx, registry.NewTask{Content: content, Criteria: criteria, ParentID: parentID})
}

// StartTask hands a pending task to the worker. Nothing new may start once
// the session has stopped.
func (s *Service) StartTask(ctx context.Context, id string) (models.Task, error) {
	if s.session.Status().State == SessionStopped {
		return models.Task{}, models.ErrSessionStopped
	}
	t, err := s.reg.Start(ctx, id)
	if err == nil {
		s.kick()
	}
	return t, err
}

// SubmitClaim records a claim pushed by a worker.
func (s *Service) SubmitClaim(ctx context.Context, id string, c models.Claim) (models.Task, error) {
	t, err := s.reg.Claim(ctx, id, c)
	if err == nil {
		s.kick()
	}
	return t, err
}

// Approve is a human approval; it wins over any in-flight auditor verdict.
func (s *Service) Approve(ctx context.Context, id, note string) (models.Task, error) {
	return s.reg.HumanApprove(ctx, id, note)
}

// Reject returns the task to the worker with the human's feedback.
func (s *Service) Reject(ctx context.Context, id, feedback string) (models.Task, error) {
	t, err := s.reg.HumanReject(ctx, id, feedback)
	if err == nil {
		s.kick()
	}
	return t, err
}

// Escalate hands a task to a human on request.
func (s *Service) Escalate(ctx context.Context, id, reason string) (models.Task, error) {
	return s.reg.Escalate(ctx, id, models.ActorHuman, models.TriggerManual, reason)
}

// Edit replaces a task's content.
func (s *Service) Edit(ctx context.Context, id, content string) (models.Task, error) {
	return s.reg.Edit(ctx, id, content)
}

// Delete removes a task and its subtasks.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.reg.Delete(ctx, id)
}

// Reorder moves a task among its siblings.
func (s *Service) Reorder(ctx context.Context, id string, index int) (models.Task, error) {
	return s.reg.Reorder(ctx, id, index)
}

// Verify promotes an approved task whose children are all verified.
func (s *Service) Verify(ctx context.Context, id string) (bool, error) {
	return s.reg.Verify(ctx, id)
}

// Abandon fails a task permanently.
func (s *Service) Abandon(ctx context.Context, id, reason string) (models.Task, error) {
	return s.reg.Abandon(ctx, id, reason)
}

// --- Session Commands ---

// Pause blocks new protocol rounds. In-flight rounds finish.
func (s *Service) Pause(ctx context.Context, reason string) (SessionStatus, error) {
	err := s.session.Pause(ctx, models.ActorHuman, reason)
	return s.session.Status(), err
}

// Resume lets protocol rounds start again.
func (s *Service) Resume(ctx context.Context) (SessionStatus, error) {
	err := s.session.Resume(ctx, models.ActorHuman)
	if err == nil {
		s.kick()
	}
	return s.session.Status(), err
}

// Stop ends the session and escalates every task with protocol work in
// flight with session_stopped. A driver mid-round sees the escalation when
// control returns to it.
func (s *Service) Stop(ctx context.Context, reason string) (SessionStatus, error) {
	if err := s.session.Stop(ctx, models.ActorHuman, reason); err != nil {
		return s.session.Status(), err
	}
	detail := "session stopped"
	if reason != "" {
		detail = "session stopped: " + reason
	}
	escalated, err := s.reg.EscalateOpen(ctx, models.TriggerSessionStopped, detail)
	if len(escalated) > 0 {
		s.logger.Info("open tasks escalated on stop", "count", len(escalated))
	}
	return s.session.Status(), err
}

// StartSession opens a new session run. The session clock restarts and a
// stopped session accepts work again; a paused one stays paused.
func (s *Service) StartSession(ctx context.Context, reason string) (SessionStatus, error) {
	err := s.session.Begin(ctx, models.ActorHuman, reason)
	if err == nil {
		s.kick()
	}
	return s.session.Status(), err
}

// --- Queries ---

// GetTask returns one task.
func (s *Service) GetTask(id string) (models.Task, error) {
	return s.reg.Get(id)
}

// ListTasks returns tasks in tree order.
func (s *Service) ListTasks(f registry.ListFilter) []models.Task {
	return s.reg.List(f)
}

// Escalations returns every task waiting on a human, oldest first.
func (s *Service) Escalations() []models.Task {
	return s.reg.Escalations()
}

// AuditTrail returns the lifecycle of one task.
func (s *Service) AuditTrail(ctx context.Context, id string) ([]models.AuditEvent, error) {
	if _, err := s.reg.Get(id); err != nil {
		// A deleted task still has a history.
		events, lerr := s.log.Events(ctx, audit.Filter{TaskID: id})
		if lerr != nil || len(events) == 0 {
			return nil, err
		}
		return events, nil
	}
	return s.log.Events(ctx, audit.Filter{TaskID: id})
}

// AuditLog returns the events matching f.
func (s *Service) AuditLog(ctx context.Context, f audit.Filter) ([]models.AuditEvent, error) {
	return s.log.Events(ctx, f)
}

// Session returns the current session snapshot.
func (s *Service) Session() SessionStatus {
	return s.session.Status()
}

// Stats returns scheduler activity, if a scheduler is attached.
func (s *Service) Stats() (scheduler.Stats, bool) {
	if s.dispatcher == nil {
		return scheduler.Stats{}, false
	}
	return s.dispatcher.GetStats(), true
}
