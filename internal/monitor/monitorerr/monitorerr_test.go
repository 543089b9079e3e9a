package monitorerr

import (
	"errors"
	"testing"
)

func TestOfKind(t *testing.T) {
	err := New(KindBusyRetry, "standby registration in progress")
	if !OfKind(err, KindBusyRetry) {
		t.Error("OfKind(err, KindBusyRetry) = false, want true")
	}
	if OfKind(err, KindInternal) {
		t.Error("OfKind(err, KindInternal) = true, want false")
	}
}

func TestErrorsIs(t *testing.T) {
	err := Wrap(KindInfrastructure, "acquire lock", errors.New("connection refused"))
	if !errors.Is(err, New(KindInfrastructure, "")) {
		t.Error("errors.Is should match on Kind regardless of message")
	}
	if errors.Is(err, New(KindInternal, "")) {
		t.Error("errors.Is should not match a different Kind")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "wrapped", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through Unwrap to the cause")
	}
}
