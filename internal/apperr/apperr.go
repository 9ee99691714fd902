// Package apperr defines the error taxonomy shared by the sync core and its
// transports.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidState is returned when a lifecycle method is called from a
	// status that does not allow it.
	ErrInvalidState = errors.New("invalid state")
	// ErrPreconditionFailed is returned when a concurrent writer already moved
	// the document past the expected state, e.g. a double approval.
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrNotFound           = errors.New("not found")
	// ErrExternalServiceUnavailable wraps failures of the calendar or push
	// provider.
	ErrExternalServiceUnavailable = errors.New("external service unavailable")
	// ErrMutationRolledBack is returned when a durable write failed after the
	// mutation had been applied optimistically.
	ErrMutationRolledBack = errors.New("mutation rolled back")
	// ErrConflict is returned when a transaction kept losing optimistic
	// concurrency checks until its retry budget ran out.
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

// HTTPStatus maps an error from the core onto a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrExternalServiceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing text for an error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrPreconditionFailed):
		return "this was already handled"
	case errors.Is(err, ErrExternalServiceUnavailable):
		return "could not sync to calendar, event saved locally"
	case errors.Is(err, ErrMutationRolledBack):
		return "your change could not be saved"
	case errors.Is(err, ErrConflict):
		return "too many people are editing this right now, try again"
	case errors.Is(err, ErrInvalidState):
		return "this action is not allowed right now"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrForbidden):
		return "not allowed"
	case errors.Is(err, ErrInvalidInput):
		return err.Error()
	default:
		return "something went wrong"
	}
}
