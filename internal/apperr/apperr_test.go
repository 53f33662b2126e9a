package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

var errSentinel = New(NotFound, "thing not found")

type remainingError struct{ n int }

func (e *remainingError) Error() string { return fmt.Sprintf("%d remaining", e.n) }
func (e *remainingError) Kind() Kind    { return Unauthorized }

func TestKindOfAndStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   Kind
		wantStatus int
		wantMsg    string
	}{
		{"sentinel", errSentinel, NotFound, http.StatusNotFound, "thing not found"},
		{"wrapped sentinel", fmt.Errorf("lookup: %w", errSentinel), NotFound, http.StatusNotFound, "thing not found"},
		{"wrap with cause", Wrap(Conflict, "duplicate", errors.New("23505")), Conflict, http.StatusConflict, "duplicate"},
		{"plain error", errors.New("db down"), Internal, http.StatusInternalServerError, "internal server error"},
		{"hidden internal cause", Wrap(Internal, "store failed", errors.New("secret dsn")), Internal, http.StatusInternalServerError, "store failed"},
		{"custom kind", &remainingError{n: 2}, Unauthorized, http.StatusUnauthorized, "2 remaining"},
		{"validation", New(Validation, "bad input"), Validation, http.StatusBadRequest, "bad input"},
		{"gone", New(Gone, "expired"), Gone, http.StatusGone, "expired"},
		{"rate limited", New(RateLimited, "slow down"), RateLimited, http.StatusTooManyRequests, "slow down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Fatalf("KindOf = %v, want %v", got, tt.wantKind)
			}
			if got := KindOf(tt.err).HTTPStatus(); got != tt.wantStatus {
				t.Fatalf("HTTPStatus = %d, want %d", got, tt.wantStatus)
			}
			if got := Message(tt.err); got != tt.wantMsg {
				t.Fatalf("Message = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("cause")
	err := Wrap(Internal, "outer", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if err.Error() != "outer: cause" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
