package util

import (
	"errors"
	"strings"
	"testing"
)

func TestRawConfigError(t *testing.T) {
	err := NewRawConfigError("vlan.id", "out of range 0-4094")

	msg := err.Error()
	if !strings.Contains(msg, "vlan.id") {
		t.Errorf("Error message should contain field: %s", msg)
	}
	if !strings.Contains(msg, "out of range") {
		t.Errorf("Error message should contain reason: %s", msg)
	}

	// Test Unwrap
	if !errors.Is(err, ErrRawConfig) {
		t.Errorf("RawConfigError should unwrap to ErrRawConfig")
	}
}

func TestInvalidParameterError(t *testing.T) {
	err := NewInvalidParameterError("provisioning_key", "too short")

	msg := err.Error()
	if !strings.Contains(msg, "provisioning_key") {
		t.Errorf("Error message should contain parameter: %s", msg)
	}
	if !strings.Contains(msg, "too short") {
		t.Errorf("Error message should contain reason: %s", msg)
	}

	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("InvalidParameterError should unwrap to ErrInvalidParameter")
	}
}

func TestValidationError(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		err := &ValidationError{Errors: []string{"field is required"}}
		if !strings.Contains(err.Error(), "field is required") {
			t.Errorf("unexpected message: %s", err.Error())
		}
	})

	t.Run("unwraps to ErrInvalidParameter", func(t *testing.T) {
		var err error = &ValidationError{Errors: []string{"bad value"}}
		if !errors.Is(err, ErrInvalidParameter) {
			t.Error("ValidationError should unwrap to ErrInvalidParameter")
		}
	})
}

func TestValidationBuilder(t *testing.T) {
	t.Run("no errors", func(t *testing.T) {
		v := &ValidationBuilder{}
		v.Add(true, "should not appear")
		if v.HasErrors() {
			t.Error("builder should have no errors")
		}
		if err := v.Build(); err != nil {
			t.Errorf("Build() = %v, want nil", err)
		}
	})

	t.Run("collects failing conditions", func(t *testing.T) {
		v := &ValidationBuilder{}
		v.Add(false, "first problem").
			Add(true, "skipped").
			AddErrorf("second problem with %s", "detail")
		if !v.HasErrors() {
			t.Fatal("builder should have errors")
		}
		err := v.Build()
		if err == nil {
			t.Fatal("Build() should return an error")
		}
		msg := err.Error()
		if !strings.Contains(msg, "first problem") || !strings.Contains(msg, "second problem") {
			t.Errorf("Build() should aggregate all messages: %s", msg)
		}
		if strings.Contains(msg, "skipped") {
			t.Errorf("Build() should skip passing conditions: %s", msg)
		}
	})
}

func TestSentinelErrors(t *testing.T) {
	// Wrapped sentinels must survive %w chains.
	for _, sentinel := range []error{
		ErrInvalidID,
		ErrNonDeletable,
		ErrNotFound,
		ErrInvalidParameter,
		ErrNotLoaded,
		ErrTenantMismatch,
		ErrSynchronizeFailed,
		ErrGeneratorExhausted,
	} {
		wrapped := errors.Join(errors.New("context"), sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("wrapped %v should match sentinel", sentinel)
		}
	}
}
