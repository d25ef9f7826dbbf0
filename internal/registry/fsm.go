package registry

import (
	"fmt"

	"github.com/fentz26/attest/internal/models"
)

// move is an operation that may change a task's status.
type move string

const (
	moveStart          move = "start"
	moveClaim          move = "claim"
	moveRejectClaim    move = "reject_claim"
	moveBeginAudit     move = "begin_audit"
	moveFollowUp       move = "follow_up"
	moveApprove        move = "approve"
	moveRequestChanges move = "request_changes"
	moveBlock          move = "block"
	moveAbort          move = "abort"
	moveHumanApprove   move = "human_approve"
	moveHumanReject    move = "human_reject"
	moveEscalate       move = "escalate"
	moveVerify         move = "verify"
	moveAbandon        move = "abandon"
	moveEdit           move = "edit"
)

// edge is the result of a legal move. via names the transient status the
// task passes through inside the same atomic transition, if any.
type edge struct {
	to  models.TaskStatus
	via models.TaskStatus
}

const (
	pending    = models.TaskStatusPending
	inProgress = models.TaskStatusInProgress
	claimed    = models.TaskStatusClaimed
	auditing   = models.TaskStatusAuditing
	approved   = models.TaskStatusApproved
	verified   = models.TaskStatusVerified
	needsHuman = models.TaskStatusNeedsHuman
	failed     = models.TaskStatusFailed
)

// transitions is the complete table of legal (status, move) pairs. Escalate,
// abandon and edit are legal from every non-terminal status and are added in
// init. Anything absent is an invalid transition.
var transitions = map[models.TaskStatus]map[move]edge{
	pending: {
		moveStart: {to: inProgress},
	},
	inProgress: {
		moveClaim:       {to: claimed},
		moveRejectClaim: {to: inProgress},
		moveHumanReject: {to: inProgress, via: models.TaskStatusRejected},
	},
	claimed: {
		moveBeginAudit:   {to: auditing},
		moveHumanApprove: {to: approved},
		moveHumanReject:  {to: inProgress, via: models.TaskStatusRejected},
	},
	auditing: {
		moveFollowUp:       {to: auditing},
		moveApprove:        {to: approved},
		moveRequestChanges: {to: inProgress, via: models.TaskStatusChangesRequested},
		moveBlock:          {to: needsHuman, via: models.TaskStatusBlocked},
		moveAbort:          {to: inProgress, via: models.TaskStatusChangesRequested},
		moveHumanApprove:   {to: approved},
		moveHumanReject:    {to: inProgress, via: models.TaskStatusRejected},
	},
	approved: {
		moveVerify:      {to: verified},
		moveHumanReject: {to: inProgress, via: models.TaskStatusRejected},
	},
	needsHuman: {
		moveHumanApprove: {to: approved},
		moveHumanReject:  {to: inProgress, via: models.TaskStatusRejected},
	},
}

func init() {
	for from, moves := range transitions {
		moves[moveAbandon] = edge{to: failed}
		moves[moveEdit] = edge{to: from}
		if from != needsHuman {
			moves[moveEscalate] = edge{to: needsHuman}
		}
	}
}

// next looks up the edge for m from status from.
func next(from models.TaskStatus, m move) (edge, error) {
	if e, ok := transitions[from][m]; ok {
		return e, nil
	}
	return edge{}, fmt.Errorf("%w: cannot %s from %s", models.ErrInvalidTransition, m, from)
}

// escalated returns e redirected to needs_human, keeping the transient status
// the task passed through.
func (e edge) escalated() edge {
	return edge{to: needsHuman, via: e.via}
}
