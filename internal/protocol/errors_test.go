package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBadRequest,
		ErrNoPermission,
		ErrNoResource,
		ErrInvalidTarget,
		ErrRateLimit,
		ErrConflict,
		ErrBlocked,
		ErrStale,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestTaskErrorMessage(t *testing.T) {
	e := &TaskError{Kind: TaskPlace, Code: ErrBlocked}
	if got := e.Error(); got != "PLACE failed: E_BLOCKED" {
		t.Fatalf("unexpected error %q", got)
	}
	e.Message = "cell occupied"
	if got := e.Error(); got != "PLACE failed: E_BLOCKED (cell occupied)" {
		t.Fatalf("unexpected error %q", got)
	}
}
