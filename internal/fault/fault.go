// Package fault defines the error taxonomy shared by every corral
// subsystem. Stores and the pipeline wrap these sentinels with
// fmt.Errorf("...: %w", ...) so callers can classify failures with
// errors.Is while still reading a specific message.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized marks a bad, missing, or insufficient-role token.
	// Rejected before any mutation, never partially applied.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation marks malformed input: dependency cycles, missing
	// required parents, empty task lists, unknown referenced ids.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a retryable collision: a lock held by another
	// agent, or a concurrent update version mismatch.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable marks an unreachable backing store. Task and
	// agent mutations fail closed on it; the lock manager fails open.
	ErrUnavailable = errors.New("store unavailable")

	// ErrProvider marks an embedding backend failure after the whole
	// fallback chain has been exhausted. Retryable.
	ErrProvider = errors.New("embedding provider failure")
)

// Unauthorizedf wraps ErrUnauthorized with a formatted message.
func Unauthorizedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnauthorized)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}
