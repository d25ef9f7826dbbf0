// Package protocol drives the bounded claim, review, follow-up and verdict
// exchange between a worker and an independent auditor.
package protocol

import (
	"context"
	"time"

	"github.com/fentz26/attest/internal/models"
)

// Worker is the collaborator that performs tasks.
type Worker interface {
	SubmitClaim(ctx context.Context, taskID string) (models.Claim, error)
	RespondToFollowUp(ctx context.Context, taskID string, req models.FollowUpRequest) (models.Response, error)
}

// Auditor is the collaborator that judges claims. It only ever sees a Packet.
type Auditor interface {
	Evaluate(ctx context.Context, p Packet) (Assessment, error)
}

// Assessment is an auditor's answer: exactly one of Verdict or FollowUp.
type Assessment struct {
	Verdict  *models.Verdict         `json:"verdict,omitempty"`
	FollowUp *models.FollowUpRequest `json:"follow_up,omitempty"`
}

// Gate is the session-wide pause switch consulted before every round.
type Gate interface {
	// Wait returns once new rounds may start. It returns
	// models.ErrSessionStopped if the session has been stopped.
	Wait(ctx context.Context) error
	// StartedAt is when the session clock started.
	StartedAt() time.Time
}

// Outcome is the terminal result of one audit attempt.
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeChangesRequested Outcome = "changes_requested"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeNeedsHuman       Outcome = "needs_human"
	// OutcomeOverridden means a human or another signal closed the attempt
	// first and the auditor's verdict was discarded.
	OutcomeOverridden Outcome = "overridden"
)

func outcomeOf(t models.Task) Outcome {
	switch t.Status {
	case models.TaskStatusApproved, models.TaskStatusVerified:
		return OutcomeApproved
	case models.TaskStatusInProgress:
		return OutcomeChangesRequested
	case models.TaskStatusNeedsHuman:
		if t.Escalation != nil && t.Escalation.Trigger == models.TriggerAuditorBlocked {
			return OutcomeBlocked
		}
		return OutcomeNeedsHuman
	}
	return OutcomeOverridden
}

type openGate struct{ started time.Time }

func (g openGate) Wait(ctx context.Context) error { return ctx.Err() }
func (g openGate) StartedAt() time.Time           { return g.started }
