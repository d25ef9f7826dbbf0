package models

import "errors"

// Sentinel errors shared by the registry, coordinator and control plane.
var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrIncompleteClaim    = errors.New("incomplete claim")
	ErrNoNewEvidence      = errors.New("no new evidence provided")
	ErrCapExceeded        = errors.New("safeguard cap exceeded")
	ErrWorkerUnavailable  = errors.New("worker unavailable")
	ErrAuditorUnavailable = errors.New("auditor unavailable")
	ErrTaskBusy           = errors.New("task busy")
	ErrLogWriteFailure    = errors.New("audit log write failed")
	ErrTaskNotFound       = errors.New("task not found")
	ErrAttemptClosed      = errors.New("audit attempt no longer active")
	ErrVerdictOverridden  = errors.New("verdict overridden by human decision")
	ErrSessionStopped     = errors.New("session stopped")
	ErrFeedbackRequired   = errors.New("feedback required")
)
