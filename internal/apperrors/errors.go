// Package apperrors defines the error taxonomy shared by every keel
// component. Callers classify failures with errors.Is against the
// sentinels; layers add context with Wrap without losing the class.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every public operation in keel fails with an error
// that wraps exactly one of these.
var (
	// ErrFormat indicates a malformed capability string.
	ErrFormat = errors.New("invalid format")

	// ErrValidation indicates a manifest schema mismatch or a missing
	// required field.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an unknown agent, provider, token label, or
	// revoke target.
	ErrNotFound = errors.New("not found")

	// ErrLocked indicates a vault data operation was attempted while the
	// vault is locked.
	ErrLocked = errors.New("vault is locked")

	// ErrBackend indicates a keychain or storage failure.
	ErrBackend = errors.New("backend failure")

	// ErrNetwork indicates an OAuth HTTP exchange failure.
	ErrNetwork = errors.New("network failure")
)

// Wrap adds context to err while preserving the error chain.
// Returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ValidationError carries the individual findings of a manifest
// validation pass. It wraps ErrValidation so errors.Is still classifies it.
type ValidationError struct {
	Subject string   // what was validated, e.g. the manifest path
	Details []string // one message per finding
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 1 {
		return fmt.Sprintf("validation failed: %s: %s", e.Subject, e.Details[0])
	}
	return fmt.Sprintf("validation failed: %s (%d issues)", e.Subject, len(e.Details))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for subject with the
// given findings.
func NewValidationError(subject string, details ...string) *ValidationError {
	return &ValidationError{Subject: subject, Details: details}
}
