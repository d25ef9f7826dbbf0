package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/safeguard"
)

const noNewEvidenceReason = "no new evidence provided"

// NewTask describes a task to create.
type NewTask struct {
	Content  string
	Criteria []models.Criterion
	ParentID string
}

// Create adds a pending task, nested under ParentID when set.
func (r *Registry) Create(ctx context.Context, nt NewTask) (models.Task, error) {
	content := strings.TrimSpace(nt.Content)
	if content == "" {
		return models.Task{}, ErrEmptyContent
	}

	if nt.ParentID != "" {
		// Holding the parent's section keeps it from being verified or
		// deleted while the child is added.
		release, err := r.acquire(ctx, nt.ParentID)
		if err != nil {
			return models.Task{}, err
		}
		defer release()
		parent, ok := r.snapshot(nt.ParentID)
		if !ok {
			return models.Task{}, fmt.Errorf("%w: %s", models.ErrTaskNotFound, nt.ParentID)
		}
		if parent.Status.Terminal() {
			return models.Task{}, fmt.Errorf("%w: cannot add subtask to %s task", models.ErrInvalidTransition, parent.Status)
		}
	}

	now := r.clock().UTC()
	t := &models.Task{
		ID:              r.newID(),
		Content:         content,
		Status:          pending,
		Review:          models.ReviewNotRequested,
		ParentID:        nt.ParentID,
		Criteria:        nt.Criteria,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	t = t.Clone()

	var payload map[string]string
	if nt.ParentID != "" {
		payload = map[string]string{"parent": nt.ParentID}
	}
	after, err := r.commit(ctx, models.AuditEvent{
		TaskID:  t.ID,
		Actor:   models.ActorHuman,
		Action:  models.ActionTaskCreate,
		After:   t,
		Payload: payload,
	})
	if err != nil {
		return models.Task{}, err
	}
	r.logger.Info("task created", "task", after.ID, "parent", after.ParentID)
	return *after, nil
}

// Start moves a pending task to in_progress and arms its task timer.
func (r *Registry) Start(ctx context.Context, id string) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		e, err := next(t.Status, moveStart)
		if err != nil {
			return change{}, err
		}
		setStatus(t, e, now)
		t.StartedAt = &now
		deadline := r.engine.TaskDeadline(now)
		t.Deadline = &deadline
		return change{actor: models.ActorHuman, action: models.ActionTaskStart}, nil
	})
}

// Claim records a worker's completion claim. A claim without an explanation
// or evidence, or whose evidence was all seen before, is rejected and
// recorded; repeated rejections escalate with no_progress.
func (r *Registry) Claim(ctx context.Context, id string, c models.Claim) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		e, err := next(t.Status, moveClaim)
		if err != nil {
			return change{}, err
		}
		if d := r.engine.CheckClaim(*t); !d.Allow {
			escalate(t, e, d, now)
			return change{
				actor:   models.ActorWorker,
				action:  models.ActionClaimRejected,
				payload: map[string]string{"trigger": string(d.Trigger), "reason": d.Reason},
				err:     fmt.Errorf("%w: %s", models.ErrCapExceeded, d.Reason),
			}, nil
		}

		sealed := c.Clone()
		sealed.Evidence = sealAll(c.Evidence)
		if strings.TrimSpace(c.Explanation) == "" || len(c.Evidence) == 0 {
			return r.rejectClaim(t, now, models.ErrIncompleteClaim)
		}
		fresh, err := safeguard.FreshEvidence(t.SeenEvidence, sealed.Evidence)
		if err != nil {
			return r.rejectClaim(t, now, err)
		}

		t.MergeSeen(fresh)
		sealed.Attempt = t.AuditAttempts + 1
		sealed.SubmittedAt = now
		sealed.Rounds = nil
		t.Claim = sealed
		t.NoProgress = 0
		setStatus(t, e, now)
		return change{
			actor:  models.ActorWorker,
			action: models.ActionTaskClaim,
			payload: map[string]string{
				"attempt":  strconv.Itoa(sealed.Attempt),
				"evidence": strconv.Itoa(len(sealed.Evidence)),
				"fresh":    strconv.Itoa(len(fresh)),
			},
		}, nil
	})
}

func (r *Registry) rejectClaim(t *models.Task, now time.Time, cause error) (change, error) {
	t.NoProgress++
	t.Feedback = cause.Error()
	payload := map[string]string{
		"reason": cause.Error(),
		"streak": strconv.Itoa(t.NoProgress),
	}
	if d := r.engine.CheckNoProgress(t.NoProgress); !d.Allow {
		e, err := next(t.Status, moveEscalate)
		if err != nil {
			return change{}, err
		}
		escalate(t, e, d, now)
		payload["trigger"] = string(d.Trigger)
	} else {
		e, err := next(t.Status, moveRejectClaim)
		if err != nil {
			return change{}, err
		}
		setStatus(t, e, now)
	}
	r.logger.Warn("claim rejected", "task", t.ID, "reason", cause, "streak", t.NoProgress)
	return change{actor: models.ActorWorker, action: models.ActionClaimRejected, payload: payload, err: cause}, nil
}

// ClaimUnavailable records a claim round in which the worker could not be
// reached. The round counts toward the no-progress streak; once the streak
// reaches the limit the task escalates with timeout.
func (r *Registry) ClaimUnavailable(ctx context.Context, id, detail string) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		stay, err := next(t.Status, moveRejectClaim)
		if err != nil {
			return change{}, err
		}
		t.NoProgress++
		t.Feedback = "worker unavailable: " + detail
		payload := map[string]string{
			"reason": detail,
			"streak": strconv.Itoa(t.NoProgress),
		}
		if d := r.engine.CheckUnavailable(t.NoProgress, detail); !d.Allow {
			e, err := next(t.Status, moveEscalate)
			if err != nil {
				return change{}, err
			}
			escalate(t, e, d, now)
			payload["trigger"] = string(d.Trigger)
		} else {
			setStatus(t, stay, now)
		}
		r.logger.Warn("worker unavailable", "task", t.ID, "err", detail, "streak", t.NoProgress)
		return change{actor: models.ActorSystem, action: models.ActionClaimFailed, payload: payload}, nil
	})
}

// BeginAudit opens the next audit attempt for a claimed task. If the audit
// cap would be exceeded the task escalates instead and ErrCapExceeded is
// returned.
func (r *Registry) BeginAudit(ctx context.Context, id string) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		e, err := next(t.Status, moveBeginAudit)
		if err != nil {
			return change{}, err
		}
		if d := r.engine.CheckBeginAudit(*t); !d.Allow {
			escalate(t, e, d, now)
			return change{
				actor:   models.ActorSystem,
				action:  models.ActionAuditBegin,
				payload: map[string]string{"trigger": string(d.Trigger), "reason": d.Reason},
				err:     fmt.Errorf("%w: %s", models.ErrCapExceeded, d.Reason),
			}, nil
		}
		t.AuditAttempts++
		setStatus(t, e, now)
		t.Review = models.ReviewAuditing
		t.AttemptStartedAt = &now
		deadline := r.engine.AttemptDeadline(now)
		t.AttemptDeadline = &deadline
		if t.Claim != nil {
			t.Claim.Attempt = t.AuditAttempts
		}
		return change{
			actor:   models.ActorSystem,
			action:  models.ActionAuditBegin,
			payload: map[string]string{"attempt": strconv.Itoa(t.AuditAttempts)},
		}, nil
	})
}

// RecordFollowUp appends a completed follow-up round to the active attempt.
// A response that brings no new evidence ends the attempt with
// changes_requested and ErrNoNewEvidence is returned.
func (r *Registry) RecordFollowUp(ctx context.Context, id string, attempt int, req models.FollowUpRequest, resp models.Response) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		if err := activeAttempt(t, attempt); err != nil {
			return change{}, err
		}
		e, err := next(t.Status, moveFollowUp)
		if err != nil {
			return change{}, err
		}

		resp.Evidence = sealAll(resp.Evidence)
		req.RequestedKinds = append([]models.EvidenceKind(nil), req.RequestedKinds...)
		round := models.FollowUpRound{Number: len(t.Claim.Rounds) + 1, Request: req, Response: resp, At: now}
		t.Claim.Rounds = append(t.Claim.Rounds, round)
		payload := map[string]string{
			"attempt": strconv.Itoa(attempt),
			"round":   strconv.Itoa(round.Number),
		}

		fresh, err := safeguard.FreshEvidence(t.SeenEvidence, resp.Evidence)
		if err != nil {
			t.NoProgress++
			r.requestChanges(t, attempt, models.Verdict{
				Decision:  models.DecisionChangesRequested,
				Reasons:   []models.Reason{{Reason: noNewEvidenceReason}},
				Downgrade: noNewEvidenceReason,
			}, models.ActorSystem, now)
			if t.Status != needsHuman {
				if d := r.engine.CheckNoProgress(t.NoProgress); !d.Allow {
					escalate(t, edge{to: needsHuman, via: models.TaskStatusChangesRequested}, d, now)
				}
			}
			payload["outcome"] = "rejected"
			return change{actor: models.ActorWorker, action: models.ActionAuditFollowUp, payload: payload, err: err}, nil
		}

		t.MergeSeen(fresh)
		isFresh := make(map[string]bool, len(fresh))
		for _, h := range fresh {
			isFresh[h] = true
		}
		for _, ev := range resp.Evidence {
			if isFresh[ev.Hash] {
				t.Claim.Evidence = append(t.Claim.Evidence, ev)
				isFresh[ev.Hash] = false
			}
		}
		t.NoProgress = 0
		setStatus(t, e, now)
		payload["fresh"] = strconv.Itoa(len(fresh))
		return change{actor: models.ActorWorker, action: models.ActionAuditFollowUp, payload: payload}, nil
	})
}

// ApplyVerdict applies a terminal verdict to the active attempt. If a human
// decision or another signal already closed the attempt, the verdict is
// logged as overridden and ErrVerdictOverridden is returned.
func (r *Registry) ApplyVerdict(ctx context.Context, id string, attempt int, v models.Verdict, source models.Actor) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		payload := map[string]string{
			"attempt":    strconv.Itoa(attempt),
			"decision":   string(v.Decision),
			"confidence": strconv.FormatFloat(v.Confidence, 'f', -1, 64),
		}
		if err := activeAttempt(t, attempt); err != nil {
			payload["status"] = string(t.Status)
			r.logger.Info("verdict overridden", "task", t.ID, "attempt", attempt, "status", t.Status)
			return change{
				actor:   source,
				action:  models.ActionVerdictOverridden,
				payload: payload,
				err:     fmt.Errorf("%w: task %s is %s", models.ErrVerdictOverridden, t.ID, t.Status),
			}, nil
		}

		v = cloneVerdict(v)
		if v.Decision == models.DecisionApproved && len(v.Citations) == 0 {
			v.Decision = models.DecisionChangesRequested
			v.Downgrade = "approval cited no evidence"
		}
		switch v.Decision {
		case models.DecisionApproved, models.DecisionChangesRequested, models.DecisionBlocked:
		default:
			v.Downgrade = fmt.Sprintf("unknown decision %q", v.Decision)
			v.Decision = models.DecisionChangesRequested
		}
		if v.Downgrade != "" {
			payload["downgrade"] = v.Downgrade
		}

		switch v.Decision {
		case models.DecisionApproved:
			e, err := next(t.Status, moveApprove)
			if err != nil {
				return change{}, err
			}
			recordVerdict(t, attempt, v, source, now)
			setStatus(t, e, now)
			t.Review = models.ReviewApproved
			t.Feedback = ""
			if r.promote(t, now) {
				payload["via"] = string(approved)
			}
		case models.DecisionChangesRequested:
			r.requestChanges(t, attempt, v, source, now)
		case models.DecisionBlocked:
			e, err := next(t.Status, moveBlock)
			if err != nil {
				return change{}, err
			}
			recordVerdict(t, attempt, v, source, now)
			t.Feedback = feedbackOf(v)
			escalate(t, e, safeguard.Decision{
				Trigger: models.TriggerAuditorBlocked,
				Reason:  "auditor blocked: " + t.Feedback,
			}, now)
		}
		if t.Status != approved && t.Status != verified {
			payload["via"] = string(viaOf(v.Decision))
		}
		payload["status"] = string(t.Status)
		return change{actor: source, action: models.ActionAuditVerdict, payload: payload}, nil
	})
}

// requestChanges sends t back to in_progress with feedback, or escalates if
// the revision budget is spent.
func (r *Registry) requestChanges(t *models.Task, attempt int, v models.Verdict, source models.Actor, now time.Time) {
	recordVerdict(t, attempt, v, source, now)
	t.Feedback = feedbackOf(v)
	e := edge{to: inProgress, via: models.TaskStatusChangesRequested}
	if d := r.engine.CheckRevision(*t); !d.Allow {
		escalate(t, e, d, now)
		return
	}
	t.RevisionAttempts++
	setStatus(t, e, now)
	t.Review = models.ReviewChangesRequested
}

// AbortAudit ends the active attempt on a blocked-equivalent signal such as
// a timer expiry or an unavailable collaborator. The attempt stays counted.
// With budget left the task returns to in_progress as changes_requested;
// otherwise it escalates.
func (r *Registry) AbortAudit(ctx context.Context, id string, attempt int, timer safeguard.Timer, detail string) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		if err := activeAttempt(t, attempt); err != nil {
			return change{}, err
		}
		e, err := next(t.Status, moveAbort)
		if err != nil {
			return change{}, err
		}
		recordVerdict(t, attempt, models.Verdict{
			Decision:  models.DecisionBlocked,
			Reasons:   []models.Reason{{Reason: detail}},
			Downgrade: "audit attempt aborted",
		}, models.ActorSystem, now)
		t.Feedback = fmt.Sprintf("audit attempt %d aborted: %s", attempt, detail)

		payload := map[string]string{"attempt": strconv.Itoa(attempt), "detail": detail}
		if timer != "" {
			payload["timer"] = string(timer)
		}
		if d := r.engine.CheckSignal(*t, timer, detail); !d.Allow {
			escalate(t, edge{to: needsHuman, via: models.TaskStatusBlocked}, d, now)
			payload["trigger"] = string(d.Trigger)
		} else {
			setStatus(t, e, now)
			t.Review = models.ReviewChangesRequested
		}
		r.logger.Warn("audit attempt aborted", "task", t.ID, "attempt", attempt, "timer", timer, "detail", detail)
		return change{actor: models.ActorSystem, action: models.ActionAuditAbort, payload: payload}, nil
	})
}

// HumanApprove approves a task on a human's authority, bypassing the auditor.
func (r *Registry) HumanApprove(ctx context.Context, id, note string) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		e, err := next(t.Status, moveHumanApprove)
		if err != nil {
			return change{}, err
		}
		from := t.Status
		if note = strings.TrimSpace(note); note == "" {
			note = "approved by human"
		}
		recordVerdict(t, t.AuditAttempts, models.Verdict{
			Decision:   models.DecisionApproved,
			Confidence: 1,
			Reasons:    []models.Reason{{Reason: note}},
		}, models.ActorHuman, now)
		setStatus(t, e, now)
		t.Review = models.ReviewOverridden
		t.Escalation = nil
		t.Feedback = ""
		payload := map[string]string{"decision": "approve", "from": string(from)}
		if r.promote(t, now) {
			payload["via"] = string(approved)
		}
		return change{actor: models.ActorHuman, action: models.ActionHumanOverride, payload: payload}, nil
	})
}

// HumanReject returns a task to in_progress with the human's feedback. From
// needs_human the task gets a fresh budget; otherwise the rejection counts
// as a revision.
func (r *Registry) HumanReject(ctx context.Context, id, feedback string) (models.Task, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return models.Task{}, models.ErrFeedbackRequired
	}
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		e, err := next(t.Status, moveHumanReject)
		if err != nil {
			return change{}, err
		}
		from := t.Status
		recordVerdict(t, t.AuditAttempts, models.Verdict{
			Decision:        models.DecisionChangesRequested,
			Confidence:      1,
			Reasons:         []models.Reason{{Reason: feedback}},
			RequiredActions: []string{feedback},
		}, models.ActorHuman, now)
		t.Feedback = feedback
		payload := map[string]string{"decision": "reject", "from": string(from)}

		switch {
		case from == needsHuman:
			t.AuditAttempts = 0
			t.RevisionAttempts = 0
			t.NoProgress = 0
			t.Escalation = nil
			t.StartedAt = &now
			deadline := r.engine.TaskDeadline(now)
			t.Deadline = &deadline
			setStatus(t, e, now)
			t.Review = models.ReviewOverridden
			payload["reset"] = "true"
		default:
			if d := r.engine.CheckRevision(*t); !d.Allow {
				escalate(t, e, d, now)
				payload["trigger"] = string(d.Trigger)
				break
			}
			t.RevisionAttempts++
			setStatus(t, e, now)
			t.Review = models.ReviewOverridden
		}
		payload["via"] = string(models.TaskStatusRejected)
		return change{actor: models.ActorHuman, action: models.ActionHumanOverride, payload: payload}, nil
	})
}

// Escalate hands a task to a human. Escalating a task already in
// needs_human is a no-op and records nothing.
func (r *Registry) Escalate(ctx context.Context, id string, actor models.Actor, trigger models.EscalationTrigger, reason string) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		if t.Status == needsHuman {
			return change{skip: true}, nil
		}
		e, err := next(t.Status, moveEscalate)
		if err != nil {
			return change{}, err
		}
		if trigger == "" {
			trigger = models.TriggerManual
		}
		if reason = strings.TrimSpace(reason); reason == "" {
			reason = fmt.Sprintf("escalated by %s", actor)
		}
		escalate(t, e, safeguard.Decision{Trigger: trigger, Reason: reason}, now)
		return change{
			actor:   actor,
			action:  models.ActionTaskEscalate,
			payload: map[string]string{"trigger": string(trigger), "reason": reason},
		}, nil
	})
}

// openStatuses are the statuses with protocol work in flight.
var openStatuses = []models.TaskStatus{inProgress, claimed, auditing}

// EscalateOpen escalates every task with protocol work in flight, one
// event per task. Tasks that changed or vanished concurrently are skipped.
// It returns the tasks it escalated.
func (r *Registry) EscalateOpen(ctx context.Context, trigger models.EscalationTrigger, reason string) ([]models.Task, error) {
	var (
		out  []models.Task
		errs []error
	)
	for _, t := range r.List(ListFilter{Statuses: openStatuses}) {
		after, err := r.Escalate(ctx, t.ID, models.ActorSystem, trigger, reason)
		switch {
		case errors.Is(err, models.ErrTaskNotFound), errors.Is(err, models.ErrInvalidTransition):
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		if after.Status == needsHuman {
			out = append(out, after)
		}
	}
	return out, errors.Join(errs...)
}

// Verify promotes an approved task to verified once every child is
// verified. It reports whether the task is verified afterwards.
func (r *Registry) Verify(ctx context.Context, id string) (bool, error) {
	ok := false
	_, err := r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		switch t.Status {
		case verified:
			ok = true
			return change{skip: true}, nil
		case approved:
			if !r.promote(t, now) {
				return change{skip: true}, nil
			}
			ok = true
			return change{
				actor:   models.ActorSystem,
				action:  models.ActionTaskVerify,
				payload: map[string]string{"children": strconv.Itoa(len(t.Children))},
			}, nil
		default:
			return change{skip: true}, nil
		}
	})
	return ok && err == nil, err
}

// Abandon moves a non-terminal task to the terminal failed state.
func (r *Registry) Abandon(ctx context.Context, id, reason string) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		e, err := next(t.Status, moveAbandon)
		if err != nil {
			return change{}, err
		}
		setStatus(t, e, now)
		t.Feedback = strings.TrimSpace(reason)
		return change{
			actor:   models.ActorHuman,
			action:  models.ActionTaskAbandon,
			payload: map[string]string{"reason": t.Feedback},
		}, nil
	})
}

// Edit replaces a non-terminal task's content.
func (r *Registry) Edit(ctx context.Context, id, content string) (models.Task, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Task{}, ErrEmptyContent
	}
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		if _, err := next(t.Status, moveEdit); err != nil {
			return change{}, err
		}
		t.Content = content
		return change{actor: models.ActorHuman, action: models.ActionTaskEdit}, nil
	})
}

// Delete removes a task and all of its descendants.
func (r *Registry) Delete(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		return change{
			actor:   models.ActorHuman,
			action:  models.ActionTaskDelete,
			payload: map[string]string{"descendants": strconv.Itoa(r.countDescendants(id))},
			remove:  true,
		}, nil
	})
	return err
}

// Reorder moves a task to position index among its siblings. The index is
// clamped to the valid range.
func (r *Registry) Reorder(ctx context.Context, id string, index int) (models.Task, error) {
	return r.mutate(ctx, id, func(t *models.Task, now time.Time) (change, error) {
		r.mu.RLock()
		n := 0
		if s := r.siblings(id); s != nil {
			n = len(*s) - 1
		}
		r.mu.RUnlock()
		return change{
			actor:   models.ActorHuman,
			action:  models.ActionTaskReorder,
			payload: map[string]string{"index": strconv.Itoa(clamp(index, n))},
		}, nil
	})
}

func (r *Registry) countDescendants(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count func(string) int
	count = func(id string) int {
		n := 0
		if t, ok := r.tasks[id]; ok {
			for _, c := range t.Children {
				n += 1 + count(c)
			}
		}
		return n
	}
	return count(id)
}

// promote moves an approved t to verified if all its children are verified.
func (r *Registry) promote(t *models.Task, now time.Time) bool {
	if t.Status != approved || !r.childrenVerified(t) {
		return false
	}
	e, err := next(t.Status, moveVerify)
	if err != nil {
		return false
	}
	setStatus(t, e, now)
	return true
}

func activeAttempt(t *models.Task, attempt int) error {
	if t.Status != auditing || t.Claim == nil || t.AuditAttempts != attempt {
		return fmt.Errorf("%w: attempt %d of task %s (status %s, attempt %d)",
			models.ErrAttemptClosed, attempt, t.ID, t.Status, t.AuditAttempts)
	}
	return nil
}

func setStatus(t *models.Task, e edge, now time.Time) {
	if t.Status != e.to {
		t.Status = e.to
		t.StatusChangedAt = now
	}
	if e.to != auditing {
		t.AttemptStartedAt = nil
		t.AttemptDeadline = nil
	}
}

func escalate(t *models.Task, e edge, d safeguard.Decision, now time.Time) {
	setStatus(t, e.escalated(), now)
	t.Review = models.ReviewEscalated
	t.Escalation = &models.Escalation{Trigger: d.Trigger, Reason: d.Reason, At: now}
}

func recordVerdict(t *models.Task, attempt int, v models.Verdict, source models.Actor, now time.Time) {
	t.Verdicts = append(t.Verdicts, models.VerdictRecord{Attempt: attempt, Source: source, Verdict: v, At: now})
}

func viaOf(d models.Decision) models.TaskStatus {
	switch d {
	case models.DecisionBlocked:
		return models.TaskStatusBlocked
	case models.DecisionChangesRequested:
		return models.TaskStatusChangesRequested
	}
	return ""
}

func feedbackOf(v models.Verdict) string {
	var parts []string
	if v.Downgrade != "" {
		parts = append(parts, v.Downgrade)
	}
	for _, r := range v.Reasons {
		if r.Reason != "" && r.Reason != v.Downgrade {
			parts = append(parts, r.Reason)
		}
	}
	parts = append(parts, v.RequiredActions...)
	return strings.Join(parts, "; ")
}

func sealAll(items []models.Evidence) []models.Evidence {
	if items == nil {
		return nil
	}
	out := make([]models.Evidence, len(items))
	for i, e := range items {
		out[i] = e.Sealed()
	}
	return out
}

func cloneVerdict(v models.Verdict) models.Verdict {
	v.Reasons = append([]models.Reason(nil), v.Reasons...)
	v.RequiredActions = append([]string(nil), v.RequiredActions...)
	v.Citations = append([]string(nil), v.Citations...)
	return v
}
