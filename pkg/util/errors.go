// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every structured error below unwraps to exactly one of
// these so callers can branch with errors.Is.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrSchemaViolation    = errors.New("schema violation")
	ErrReferenceViolation = errors.New("reference violation")
	ErrConflictDetected   = errors.New("conflict detected")
	ErrMissingData        = errors.New("missing data")
	ErrRenderFault        = errors.New("render fault")
	ErrInstallFailure     = errors.New("install failure")
	ErrHealthCheckFailure = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timed out")
	ErrCycleInFlight      = errors.New("reload cycle in flight")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrValidationFailed   = errors.New("validation failed")
)

// EntryError identifies the change-set entry that failed validation.
// Kind is one of the sentinel errors above.
type EntryError struct {
	Kind    error
	Index   int
	Table   string
	Key     string
	Field   string
	Details string
}

func (e *EntryError) Error() string {
	target := e.Table
	if e.Key != "" {
		target += "|" + e.Key
	}
	if e.Field != "" {
		target += "." + e.Field
	}
	msg := fmt.Sprintf("%v: entry %d (%s)", e.Kind, e.Index, target)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *EntryError) Unwrap() error {
	return e.Kind
}

// NewSchemaError creates a schema violation for the entry at index.
func NewSchemaError(index int, table, key, field, details string) *EntryError {
	return &EntryError{
		Kind:    ErrSchemaViolation,
		Index:   index,
		Table:   table,
		Key:     key,
		Field:   field,
		Details: details,
	}
}

// ReferenceError represents a reference that does not resolve after the
// change set is applied: either the referrer names a missing target, or a
// deleted target is still referenced.
type ReferenceError struct {
	Index       int
	Table       string
	Key         string
	Field       string
	TargetTable string
	TargetKey   string
	InUse       bool
}

func (e *ReferenceError) Error() string {
	if e.InUse {
		return fmt.Sprintf("%v: entry %d: %s|%s is in use by %s|%s.%s",
			ErrReferenceViolation, e.Index, e.TargetTable, e.TargetKey, e.Table, e.Key, e.Field)
	}
	return fmt.Sprintf("%v: entry %d: %s|%s.%s requires %s '%s' to exist",
		ErrReferenceViolation, e.Index, e.Table, e.Key, e.Field, e.TargetTable, e.TargetKey)
}

func (e *ReferenceError) Unwrap() error {
	return ErrReferenceViolation
}

// ConflictError reports that a change set prepared against an older version
// no longer validates against the current one.
type ConflictError struct {
	BaseVersion    uint64
	CurrentVersion uint64
	Cause          error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%v: change set based on version %d, store is at version %d",
		ErrConflictDetected, e.BaseVersion, e.CurrentVersion)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the conflict sentinel and the revalidation cause.
func (e *ConflictError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConflictDetected}
	}
	return []error{ErrConflictDetected, e.Cause}
}

// ArtifactError ties a render, install or verify failure to a template.
type ArtifactError struct {
	Kind     error
	Template string
	Dest     string
	Err      error
}

func (e *ArtifactError) Error() string {
	msg := fmt.Sprintf("%v: template %s", e.Kind, e.Template)
	if e.Dest != "" {
		msg += " -> " + e.Dest
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArtifactError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
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
