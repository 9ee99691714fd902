package apperr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("approve: %w", ErrPreconditionFailed), http.StatusPreconditionFailed},
		{fmt.Errorf("submit: %w", ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("get task: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("create external: %w", ErrExternalServiceUnavailable), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMessage(t *testing.T) {
	if got := Message(fmt.Errorf("x: %w", ErrPreconditionFailed)); got != "this was already handled" {
		t.Errorf("precondition message = %q", got)
	}
	if got := Message(fmt.Errorf("x: %w", ErrExternalServiceUnavailable)); got != "could not sync to calendar, event saved locally" {
		t.Errorf("external message = %q", got)
	}
}
