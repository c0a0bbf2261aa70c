package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindLocked, http.StatusLocked},
		{KindUpstreamUnavailable, http.StatusBadGateway},
		{Kind("made_up"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.Status(); got != tt.want {
			t.Errorf("Kind(%q).Status() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTransient, "upstream read failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected Wrap to preserve the cause for errors.Is")
	}
	if err.Error() != "upstream read failed: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestAs(t *testing.T) {
	wrapped := New(KindValidation, "invalid request").WithDetails(map[string]string{"email": "required"})
	var outer error = wrapped

	got, ok := As(outer)
	if !ok {
		t.Fatal("expected As to find the *Error")
	}
	if got.Kind != KindValidation || got.Details["email"] != "required" {
		t.Errorf("As() returned unexpected error: %+v", got)
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Error("expected As to fail for a plain error")
	}
}
