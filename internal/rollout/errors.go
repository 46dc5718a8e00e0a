package rollout

import (
	"errors"
	"fmt"

	"github.com/skuldlabs/skuld/internal/store"
)

// ValidationError rejects malformed input before any store write happens,
// so a validation failure is never partially applied.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// newValidationError is a shorthand constructor used across the service.
func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CycleError rejects a hierarchy operation that would make a flag its own
// ancestor.
type CycleError struct {
	FeatureName string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("flag %q would become its own ancestor", e.FeatureName)
}

// IsCycle reports whether err is (or wraps) a CycleError.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// TransitionError rejects an illegal schedule status transition.
type TransitionError struct {
	From store.ScheduleStatus
	To   store.ScheduleStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal schedule transition %s -> %s", e.From, e.To)
}

// IsTransition reports whether err is (or wraps) a TransitionError.
func IsTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// BulkFailure records one failed item of a bulk operation.
type BulkFailure struct {
	FeatureName string `json:"feature_name"`
	Error       string `json:"error"`
}

// BulkResult is the outcome of a bulk operation. Every input name appears
// in exactly one of Succeeded or Failed: a bulk call is never partially
// silent.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}
