package safeguard

import (
	"time"

	"github.com/fentz26/attest/internal/models"
)

// Timer names one of the configured clocks.
type Timer string

const (
	TimerToolCall Timer = "tool_call"
	TimerAttempt  Timer = "audit_attempt"
	TimerTask     Timer = "task"
	TimerSession  Timer = "session"
)

// TaskDeadline returns the wall-clock deadline for a task started at startedAt.
func (e *Engine) TaskDeadline(startedAt time.Time) time.Time {
	return startedAt.Add(e.Limits().TaskTimeout)
}

// AttemptDeadline returns the deadline for an audit attempt begun at began.
func (e *Engine) AttemptDeadline(began time.Time) time.Time {
	return began.Add(e.Limits().AuditAttemptTimeout)
}

// Deadline returns the earliest pending deadline for t and the timer that
// owns it. sessionStart may be zero when no session clock applies. The zero
// time is returned when no timer is armed.
func (e *Engine) Deadline(t models.Task, sessionStart time.Time) (time.Time, Timer) {
	var (
		at    time.Time
		owner Timer
	)
	consider := func(d time.Time, timer Timer) {
		if d.IsZero() {
			return
		}
		if at.IsZero() || d.Before(at) {
			at, owner = d, timer
		}
	}
	if t.Status == models.TaskStatusAuditing && t.AttemptDeadline != nil {
		consider(*t.AttemptDeadline, TimerAttempt)
	}
	if t.Deadline != nil {
		consider(*t.Deadline, TimerTask)
	}
	if !sessionStart.IsZero() {
		consider(sessionStart.Add(e.Limits().SessionTimeout), TimerSession)
	}
	return at, owner
}

// Expired reports which timer, if any, has already fired at now.
func (e *Engine) Expired(t models.Task, sessionStart, now time.Time) (Timer, bool) {
	at, owner := e.Deadline(t, sessionStart)
	if at.IsZero() || now.Before(at) {
		return "", false
	}
	return owner, true
}
