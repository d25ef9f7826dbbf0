// Package safeguard decides whether a task may take its next protocol step.
//
// Every check is a pure function of the task record, the caller-supplied
// time, and the current Limits. The engine holds no per-task state.
package safeguard

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fentz26/attest/internal/models"
)

// Limits holds the configured caps and timers.
type Limits struct {
	MaxAuditAttempts    int           `yaml:"max_audit_attempts" toml:"max_audit_attempts"`
	MaxRevisionAttempts int           `yaml:"max_revision_attempts" toml:"max_revision_attempts"`
	MaxFollowUpRounds   int           `yaml:"max_follow_up_rounds" toml:"max_follow_up_rounds"`
	NoProgressLimit     int           `yaml:"no_progress_limit" toml:"no_progress_limit"`
	ToolCallTimeout     time.Duration `yaml:"tool_call_timeout" toml:"tool_call_timeout"`
	AuditAttemptTimeout time.Duration `yaml:"audit_attempt_timeout" toml:"audit_attempt_timeout"`
	TaskTimeout         time.Duration `yaml:"task_timeout" toml:"task_timeout"`
	SessionTimeout      time.Duration `yaml:"session_timeout" toml:"session_timeout"`
}

// DefaultLimits returns the default safeguard configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxAuditAttempts:    3,
		MaxRevisionAttempts: 2,
		MaxFollowUpRounds:   3,
		NoProgressLimit:     2,
		ToolCallTimeout:     30 * time.Second,
		AuditAttemptTimeout: 300 * time.Second,
		TaskTimeout:         3600 * time.Second,
		SessionTimeout:      86400 * time.Second,
	}
}

// Validate checks that every limit is usable.
func (l Limits) Validate() error {
	if l.MaxAuditAttempts < 1 {
		return fmt.Errorf("max_audit_attempts must be >= 1, got %d", l.MaxAuditAttempts)
	}
	if l.MaxRevisionAttempts < 0 {
		return fmt.Errorf("max_revision_attempts must be >= 0, got %d", l.MaxRevisionAttempts)
	}
	if l.MaxFollowUpRounds < 0 {
		return fmt.Errorf("max_follow_up_rounds must be >= 0, got %d", l.MaxFollowUpRounds)
	}
	if l.NoProgressLimit < 1 {
		return fmt.Errorf("no_progress_limit must be >= 1, got %d", l.NoProgressLimit)
	}
	for name, d := range map[string]time.Duration{
		"tool_call_timeout":     l.ToolCallTimeout,
		"audit_attempt_timeout": l.AuditAttemptTimeout,
		"task_timeout":          l.TaskTimeout,
		"session_timeout":       l.SessionTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Decision is the engine's answer for a proposed step.
type Decision struct {
	Allow   bool
	Trigger models.EscalationTrigger
	Reason  string
}

var allow = Decision{Allow: true}

func escalate(trigger models.EscalationTrigger, format string, args ...interface{}) Decision {
	return Decision{Trigger: trigger, Reason: fmt.Sprintf(format, args...)}
}

// Engine evaluates tasks against the current limits. Limits may be swapped
// at runtime; each call reads a single consistent snapshot.
type Engine struct {
	limits atomic.Pointer[Limits]
}

// New creates an engine with the given limits.
func New(l Limits) *Engine {
	e := &Engine{}
	e.SetLimits(l)
	return e
}

// Limits returns the current limits snapshot.
func (e *Engine) Limits() Limits {
	return *e.limits.Load()
}

// SetLimits replaces the limits used by subsequent checks.
func (e *Engine) SetLimits(l Limits) {
	e.limits.Store(&l)
}

// CheckClaim is evaluated before a claim is accepted. Once the revision
// budget is spent no further audit cycle may start.
func (e *Engine) CheckClaim(t models.Task) Decision {
	l := e.Limits()
	if t.RevisionAttempts >= l.MaxRevisionAttempts && t.RevisionAttempts > 0 {
		return escalate(models.TriggerRevisionCapExceeded,
			"revision cap reached (%d/%d)", t.RevisionAttempts, l.MaxRevisionAttempts)
	}
	return allow
}

// CheckBeginAudit is evaluated before audit_attempts is incremented.
func (e *Engine) CheckBeginAudit(t models.Task) Decision {
	l := e.Limits()
	if t.AuditAttempts+1 > l.MaxAuditAttempts {
		return escalate(models.TriggerAuditCapExceeded,
			"audit cap reached (%d/%d)", t.AuditAttempts, l.MaxAuditAttempts)
	}
	return allow
}

// CheckRevision is evaluated before revision_attempts is incremented.
func (e *Engine) CheckRevision(t models.Task) Decision {
	l := e.Limits()
	if t.RevisionAttempts+1 > l.MaxRevisionAttempts {
		return escalate(models.TriggerRevisionCapExceeded,
			"revision cap exceeded (%d/%d)", t.RevisionAttempts+1, l.MaxRevisionAttempts)
	}
	return allow
}

// CheckNoProgress is evaluated when a submission brought no new evidence.
// streak is the number of consecutive such submissions including this one.
func (e *Engine) CheckNoProgress(streak int) Decision {
	l := e.Limits()
	if streak >= l.NoProgressLimit {
		return escalate(models.TriggerNoProgress,
			"no new evidence across %d consecutive submissions", streak)
	}
	return allow
}

// CheckUnavailable is evaluated when the worker could not be reached for a
// claim. streak counts consecutive rounds without a submission, this one
// included.
func (e *Engine) CheckUnavailable(streak int, detail string) Decision {
	l := e.Limits()
	if streak >= l.NoProgressLimit {
		return escalate(models.TriggerTimeout,
			"worker unavailable for %d consecutive claim rounds: %s", streak, detail)
	}
	return allow
}

// MayFollowUp reports whether another follow-up round may be served after
// served rounds have already completed in the current attempt.
func (e *Engine) MayFollowUp(served int) bool {
	return served < e.Limits().MaxFollowUpRounds
}

// CheckSignal decides the outcome of a blocked-equivalent signal (timer
// expiry, unavailable collaborator) that ended the current audit attempt.
// The attempt has already been counted against audit_attempts.
func (e *Engine) CheckSignal(t models.Task, timer Timer, detail string) Decision {
	l := e.Limits()
	switch timer {
	case TimerTask, TimerSession:
		return escalate(models.TriggerTimeout, "%s timeout expired: %s", timer, detail)
	}
	if t.AuditAttempts >= l.MaxAuditAttempts {
		return escalate(models.TriggerAuditCapExceeded,
			"%s with no audit attempts left (%d/%d)", detail, t.AuditAttempts, l.MaxAuditAttempts)
	}
	return allow
}

// FreshEvidence implements the monotonicity gate. It returns the hashes in
// incoming that were not previously seen, or ErrNoNewEvidence when incoming
// is a subset of seen.
func FreshEvidence(seen []string, incoming []models.Evidence) ([]string, error) {
	known := make(map[string]struct{}, len(seen))
	for _, h := range seen {
		known[h] = struct{}{}
	}
	var fresh []string
	for _, h := range models.Hashes(incoming) {
		if _, ok := known[h]; ok {
			continue
		}
		known[h] = struct{}{}
		fresh = append(fresh, h)
	}
	if len(fresh) == 0 {
		return nil, models.ErrNoNewEvidence
	}
	return fresh, nil
}
