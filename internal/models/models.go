// Package models defines the core domain types for attest.
package models

import (
	"sort"
	"time"
)

// TaskStatus represents the work status of a task.
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusInProgress       TaskStatus = "in_progress"
	TaskStatusClaimed          TaskStatus = "claimed"
	TaskStatusAuditing         TaskStatus = "auditing"
	TaskStatusApproved         TaskStatus = "approved"
	TaskStatusChangesRequested TaskStatus = "changes_requested"
	TaskStatusBlocked          TaskStatus = "blocked"
	TaskStatusRejected         TaskStatus = "rejected"
	TaskStatusVerified         TaskStatus = "verified"
	TaskStatusNeedsHuman       TaskStatus = "needs_human"
	TaskStatusFailed           TaskStatus = "failed"
)

// Terminal reports whether the status can never be left.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusVerified || s == TaskStatusFailed
}

// ReviewStatus is the review axis, tracked separately from work status.
type ReviewStatus string

const (
	ReviewNotRequested     ReviewStatus = "not_requested"
	ReviewAuditing         ReviewStatus = "auditing"
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
	ReviewOverridden       ReviewStatus = "overridden"
	ReviewEscalated        ReviewStatus = "escalated"
)

// EscalationTrigger enumerates why a task was handed to a human.
type EscalationTrigger string

const (
	TriggerAuditCapExceeded    EscalationTrigger = "audit_cap_exceeded"
	TriggerRevisionCapExceeded EscalationTrigger = "revision_cap_exceeded"
	TriggerAuditorBlocked      EscalationTrigger = "auditor_blocked"
	TriggerTimeout             EscalationTrigger = "timeout"
	TriggerNoProgress          EscalationTrigger = "no_progress"
	TriggerManual              EscalationTrigger = "manual"
	TriggerSessionStopped      EscalationTrigger = "session_stopped"
)

// Escalation records the reason a task entered needs_human.
type Escalation struct {
	Trigger EscalationTrigger `json:"trigger"`
	Reason  string            `json:"reason"`
	At      time.Time         `json:"at"`
}

// CriterionKind identifies an acceptance-criterion checker.
type CriterionKind string

const (
	CriterionCommandExitZero CriterionKind = "command_exit_zero"
	CriterionFileExists      CriterionKind = "file_exists"
	CriterionFileContains    CriterionKind = "file_contains"
)

// Criterion is a single acceptance criterion declared on a task.
type Criterion struct {
	Kind   CriterionKind     `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// Task represents a unit of work tracked by the registry.
type Task struct {
	ID               string          `json:"id"`
	Content          string          `json:"content"`
	Status           TaskStatus      `json:"status"`
	Review           ReviewStatus    `json:"review"`
	ParentID         string          `json:"parent_id,omitempty"`
	Children         []string        `json:"children,omitempty"`
	Criteria         []Criterion     `json:"criteria,omitempty"`
	AuditAttempts    int             `json:"audit_attempts"`
	RevisionAttempts int             `json:"revision_attempts"`
	NoProgress       int             `json:"no_progress"`
	CreatedAt        time.Time       `json:"created_at"`
	StatusChangedAt  time.Time       `json:"status_changed_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	AttemptStartedAt *time.Time      `json:"attempt_started_at,omitempty"`
	AttemptDeadline  *time.Time      `json:"attempt_deadline,omitempty"`
	Claim            *Claim          `json:"claim,omitempty"`
	SeenEvidence     []string        `json:"seen_evidence,omitempty"`
	Verdicts         []VerdictRecord `json:"verdicts,omitempty"`
	Feedback         string          `json:"feedback,omitempty"`
	Escalation       *Escalation     `json:"escalation,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Children = append([]string(nil), t.Children...)
	c.SeenEvidence = append([]string(nil), t.SeenEvidence...)
	if t.Criteria != nil {
		c.Criteria = make([]Criterion, len(t.Criteria))
		for i, cr := range t.Criteria {
			c.Criteria[i] = cr.clone()
		}
	}
	if t.Verdicts != nil {
		c.Verdicts = make([]VerdictRecord, len(t.Verdicts))
		for i, v := range t.Verdicts {
			c.Verdicts[i] = v.clone()
		}
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.Deadline = cloneTime(t.Deadline)
	c.AttemptStartedAt = cloneTime(t.AttemptStartedAt)
	c.AttemptDeadline = cloneTime(t.AttemptDeadline)
	if t.Claim != nil {
		c.Claim = t.Claim.Clone()
	}
	if t.Escalation != nil {
		e := *t.Escalation
		c.Escalation = &e
	}
	return &c
}

// MergeSeen adds hashes to the task's seen-evidence set, keeping it sorted.
func (t *Task) MergeSeen(hashes []string) {
	set := make(map[string]struct{}, len(t.SeenEvidence)+len(hashes))
	for _, h := range t.SeenEvidence {
		set[h] = struct{}{}
	}
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	t.SeenEvidence = out
}

func (c Criterion) clone() Criterion {
	if c.Params == nil {
		return c
	}
	p := make(map[string]string, len(c.Params))
	for k, v := range c.Params {
		p[k] = v
	}
	c.Params = p
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Claim is a worker's assertion that a task is complete.
type Claim struct {
	Explanation  string          `json:"explanation"`
	Evidence     []Evidence      `json:"evidence"`
	TouchedFiles []string        `json:"touched_files,omitempty"`
	Attempt      int             `json:"attempt"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	Rounds       []FollowUpRound `json:"rounds,omitempty"`
}

// Clone returns a deep copy of the claim.
func (c *Claim) Clone() *Claim {
	out := *c
	out.Evidence = append([]Evidence(nil), c.Evidence...)
	out.TouchedFiles = append([]string(nil), c.TouchedFiles...)
	if c.Rounds != nil {
		out.Rounds = make([]FollowUpRound, len(c.Rounds))
		for i, r := range c.Rounds {
			out.Rounds[i] = r.clone()
		}
	}
	return &out
}

// FollowUpRequest is an auditor question asking for more evidence.
type FollowUpRequest struct {
	Question       string         `json:"question"`
	RequestedKinds []EvidenceKind `json:"requested_kinds,omitempty"`
	Justification  string         `json:"justification,omitempty"`
}

// Response is the worker's answer to a follow-up request.
type Response struct {
	Answer   string     `json:"answer"`
	Evidence []Evidence `json:"evidence"`
}

// FollowUpRound pairs an auditor request with the worker's response.
// Round 0 is the initial claim, so recorded rounds start at 1.
type FollowUpRound struct {
	Number   int             `json:"number"`
	Request  FollowUpRequest `json:"request"`
	Response Response        `json:"response"`
	At       time.Time       `json:"at"`
}

func (r FollowUpRound) clone() FollowUpRound {
	r.Request.RequestedKinds = append([]EvidenceKind(nil), r.Request.RequestedKinds...)
	r.Response.Evidence = append([]Evidence(nil), r.Response.Evidence...)
	return r
}

// Decision is the auditor's verdict outcome.
type Decision string

const (
	DecisionApproved         Decision = "approved"
	DecisionChangesRequested Decision = "changes_requested"
	DecisionBlocked          Decision = "blocked"
)

// Reason is a (reason, evidence-reference) pair backing a verdict.
type Reason struct {
	Reason      string `json:"reason"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
}

// Verdict is the auditor's structured completion decision.
type Verdict struct {
	Decision        Decision `json:"decision"`
	Confidence      float64  `json:"confidence"`
	Reasons         []Reason `json:"reasons,omitempty"`
	RequiredActions []string `json:"required_actions,omitempty"`
	Citations       []string `json:"citations,omitempty"`
	// Downgrade is set when the coordinator rejected an approval.
	Downgrade string `json:"downgrade,omitempty"`
}

func (v Verdict) clone() Verdict {
	v.Reasons = append([]Reason(nil), v.Reasons...)
	v.RequiredActions = append([]string(nil), v.RequiredActions...)
	v.Citations = append([]string(nil), v.Citations...)
	return v
}

// VerdictRecord is a verdict as applied to a task, with its provenance.
type VerdictRecord struct {
	Attempt int       `json:"attempt"`
	Source  Actor     `json:"source"`
	Verdict Verdict   `json:"verdict"`
	At      time.Time `json:"at"`
}

func (r VerdictRecord) clone() VerdictRecord {
	r.Verdict = r.Verdict.clone()
	return r
}

// Actor identifies who caused an audit event.
type Actor string

const (
	ActorWorker  Actor = "worker"
	ActorAuditor Actor = "auditor"
	ActorHuman   Actor = "human"
	ActorSystem  Actor = "system"
)

// Audit event actions.
const (
	ActionTaskCreate        = "task.create"
	ActionTaskStart         = "task.start"
	ActionTaskClaim         = "task.claim"
	ActionClaimRejected     = "task.claim_rejected"
	ActionClaimFailed       = "task.claim_failed"
	ActionTaskEdit          = "task.edit"
	ActionTaskDelete        = "task.delete"
	ActionTaskReorder       = "task.reorder"
	ActionTaskEscalate      = "task.escalate"
	ActionTaskVerify        = "task.verify"
	ActionTaskAbandon       = "task.abandon"
	ActionAuditBegin        = "audit.begin"
	ActionAuditFollowUp     = "audit.follow_up"
	ActionAuditVerdict      = "audit.verdict"
	ActionAuditAbort        = "audit.abort"
	ActionVerdictOverridden = "audit.verdict_overridden"
	ActionHumanOverride     = "human_override"
	ActionSessionStart      = "session.start"
	ActionSessionPause      = "session.pause"
	ActionSessionResume     = "session.resume"
	ActionSessionStop       = "session.stop"
)

// AuditEvent is an append-only lifecycle record.
type AuditEvent struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	TaskID    string            `json:"task_id,omitempty"`
	Actor     Actor             `json:"actor"`
	Action    string            `json:"action"`
	Before    *Task             `json:"before,omitempty"`
	After     *Task             `json:"after,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}
