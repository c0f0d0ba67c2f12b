package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("rpc down")
	err := fmt.Errorf("observe: %w", ServiceError("quote", cause))

	if CodeOf(err) != CodeServiceUnavailable {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeServiceUnavailable, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if !RetryableError(err) {
		t.Fatalf("service errors should be retryable by default")
	}
	e, _ := From(err)
	if e.Metadata()["service"] != "quote" {
		t.Fatalf("metadata missing: %+v", e.Metadata())
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeSigningFailed, "boom", WithAlert(false), WithSeverity(SeverityInfo))
	if ShouldAlert(err) {
		t.Fatalf("alert override ignored")
	}
	if SeverityOf(err) != SeverityInfo {
		t.Fatalf("severity override ignored")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	if AttributesOf(Code("nope")).Severity != SeverityCritical {
		t.Fatalf("unregistered code should use UNKNOWN attributes")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := ConfigError("max_single_tx %v < 0", -1)
	if err.Error() != "[CONFIG_INVALID] max_single_tx -1 < 0" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
