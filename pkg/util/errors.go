// Package util provides shared helpers and common error types.
package util

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across provd subsystems
var (
	ErrInvalidID          = errors.New("invalid document id")
	ErrNonDeletable       = errors.New("document is not deletable")
	ErrNotFound           = errors.New("entry not found")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrNotLoaded          = errors.New("plugin not loaded")
	ErrTenantMismatch     = errors.New("tenant may not act on this device")
	ErrSynchronizeFailed  = errors.New("synchronization cannot proceed")
	ErrGeneratorExhausted = errors.New("id generator exhausted")
	ErrRawConfig          = errors.New("invalid raw config")
)

// RawConfigError reports a raw-config schema violation, naming the offending
// field and the reason the materialized config cannot be handed to a plugin.
type RawConfigError struct {
	Field  string
	Reason string
}

func (e *RawConfigError) Error() string {
	return fmt.Sprintf("raw config field %q: %s", e.Field, e.Reason)
}

func (e *RawConfigError) Unwrap() error {
	return ErrRawConfig
}

// NewRawConfigError creates a raw-config schema violation error
func NewRawConfigError(field, reason string) *RawConfigError {
	return &RawConfigError{Field: field, Reason: reason}
}

// InvalidParameterError rejects a configure-service set request with context
type InvalidParameterError struct {
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}

func (e *InvalidParameterError) Unwrap() error {
	return ErrInvalidParameter
}

// NewInvalidParameterError creates an invalid-parameter error
func NewInvalidParameterError(param, reason string) *InvalidParameterError {
	return &InvalidParameterError{Param: param, Reason: reason}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	msg := "validation failed:"
	for _, m := range e.Errors {
		msg += "\n  - " + m
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidParameter
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
