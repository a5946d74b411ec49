package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestTaxonomyAttributes(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
		alert     bool
	}{
		{CodeFormat, true, false},
		{CodeToolExecution, true, false},
		{CodeTimeout, true, true},
		{CodeTokenBudgetExceeded, false, true},
		{CodePlanValidation, true, false},
		{CodeEscalationRequired, false, false},
		{CodeCancelled, false, false},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if err.Retryable() != tc.retryable {
			t.Fatalf("%s: retryable = %v, want %v", tc.code, err.Retryable(), tc.retryable)
		}
		if err.ShouldAlert() != tc.alert {
			t.Fatalf("%s: alert = %v, want %v", tc.code, err.ShouldAlert(), tc.alert)
		}
		if err.Message() == "" {
			t.Fatalf("%s: default message missing", tc.code)
		}
	}
}

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := fmt.Errorf("step 2: %w", Wrap(CodeToolExecution, cause, "web_search failed"))

	if CodeOf(err) != CodeToolExecution {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause must be reachable through errors.Is")
	}
	if !stdErrors.Is(err, New(CodeToolExecution, "")) {
		t.Fatalf("code-equal errors must match")
	}
	if !RetryableError(err) {
		t.Fatalf("tool failures are retryable")
	}
}

func TestMetadataOf(t *testing.T) {
	err := New(CodeTokenBudgetExceeded, "overflow",
		WithMetadata("current_tokens", "20000"),
		WithMetadata("limit_tokens", "13927"))
	if MetadataOf(err, "current_tokens") != "20000" || MetadataOf(err, "limit_tokens") != "13927" {
		t.Fatalf("unexpected metadata: %v", err.Metadata())
	}
	if MetadataOf(stdErrors.New("plain"), "current_tokens") != "" {
		t.Fatalf("plain errors carry no metadata")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
}
