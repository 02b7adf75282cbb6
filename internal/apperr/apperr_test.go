package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := Conflict("approval.decide", "request %s is not pending", "r1")
	wrapped := fmt.Errorf("handler: %w", base)

	if got := KindOf(wrapped); got != KindConflict {
		t.Fatalf("expected kind %q, got %q", KindConflict, got)
	}
	if !Is(wrapped, KindConflict) {
		t.Fatal("expected Is to match conflict")
	}
	if Is(nil, KindConflict) {
		t.Fatal("nil error must not match any kind")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("untyped errors have no kind")
	}
}

func TestStorage_KeepsTypedErrors(t *testing.T) {
	notFound := NotFound("store.get", "request %s not found", "r1")
	if got := KindOf(Storage("store.get", notFound)); got != KindNotFound {
		t.Fatalf("expected typed error to pass through, got %q", got)
	}

	raw := errors.New("connection reset")
	err := Storage("store.get", raw)
	if KindOf(err) != KindStorage {
		t.Fatalf("expected storage kind, got %q", KindOf(err))
	}
	if !errors.Is(err, raw) {
		t.Fatal("expected storage error to unwrap to the cause")
	}
	if Storage("op", nil) != nil {
		t.Fatal("nil cause should stay nil")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimited, true},
		{KindStorage, true},
		{KindValidation, false},
		{KindConflict, false},
		{KindPermission, false},
		{KindNotFound, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s: expected retryable=%v, got %v", tt.kind, tt.want, got)
		}
	}
}

func TestRateLimited_CarriesReset(t *testing.T) {
	err := fmt.Errorf("gate: %w", RateLimited("auth.admit", 1500))
	if ResetMsOf(err) != 1500 {
		t.Fatalf("expected reset 1500, got %d", ResetMsOf(err))
	}
	if err.Error() != "gate: auth.admit: rate limit exceeded, retry in 1500ms" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
