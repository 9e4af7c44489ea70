package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("confirm: %w", InvalidTransition("batch", "draft", "report_issued"))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("wrapped transition error should match sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("transition error matched another code")
	}
	e, ok := As(err)
	if !ok || e.Metadata["from"] != "draft" || e.Metadata["to"] != "report_issued" {
		t.Fatalf("metadata lost: %+v", e)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeTransientInfra, "storage put failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	if err.Error() != "storage put failed: connection reset" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if CodeOf(err) != CodeTransientInfra {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if CodeOf(cause) != CodeInternal {
		t.Fatalf("plain errors should map to INTERNAL")
	}
	if CodeOf(nil) != "" {
		t.Fatalf("nil should have no code")
	}
}

func TestCodeClassification(t *testing.T) {
	cases := map[Code]struct {
		status   int
		terminal bool
	}{
		CodeInvalidTransition:     {http.StatusConflict, true},
		CodeAlreadyProcessed:      {http.StatusOK, true},
		CodeImmutabilityViolation: {http.StatusConflict, true},
		CodeValidationFailure:     {http.StatusUnprocessableEntity, true},
		CodeNotFound:              {http.StatusNotFound, true},
		CodePermissionDenied:      {http.StatusForbidden, true},
		CodeTransientInfra:        {http.StatusServiceUnavailable, false},
		CodeExhausted:             {http.StatusServiceUnavailable, true},
		CodeInternal:              {http.StatusInternalServerError, true},
	}
	for code, want := range cases {
		if got := code.HTTPStatus(); got != want.status {
			t.Errorf("%s: status %d want %d", code, got, want.status)
		}
		if got := code.Terminal(); got != want.terminal {
			t.Errorf("%s: terminal %v want %v", code, got, want.terminal)
		}
	}
}

func TestValidationJoinsReasons(t *testing.T) {
	err := Validation("artifact rejected", []string{"empty", "missing %PDF- signature"})
	if err.Metadata["reasons"] != "empty; missing %PDF- signature" {
		t.Fatalf("unexpected reasons %q", err.Metadata["reasons"])
	}
}
