package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
)

// Sentinel errors for control plane operations.
var (
	ErrUnknownAction = errors.New("unknown action")
	ErrBadRequest    = errors.New("bad request")
)

// statusFor maps an operation error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, models.ErrFeedbackRequired),
		errors.Is(err, registry.ErrEmptyContent):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIncompleteClaim),
		errors.Is(err, models.ErrNoNewEvidence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrCapExceeded),
		errors.Is(err, models.ErrSessionStopped),
		errors.Is(err, models.ErrAttemptClosed),
		errors.Is(err, models.ErrVerdictOverridden):
		return http.StatusConflict
	case errors.Is(err, models.ErrWorkerUnavailable),
		errors.Is(err, models.ErrAuditorUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrTaskBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownAction):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
