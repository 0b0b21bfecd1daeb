package clinic

import (
	"errors"
	"fmt"
)

// Error kinds returned by the clinic store and sync engine.
//
// Every error produced by this module wraps exactly one of these kinds and
// can be classified with errors.Is():
//
//	if errors.Is(err, clinic.ErrNotFound) {
//	    // the referenced patient, visit, event or content record is absent
//	}
var (
	// ErrValidation is returned for bad input shape, e.g. a missing
	// required name or an id that already exists.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a referenced id is absent.
	ErrNotFound = errors.New("not found")

	// ErrStorage is returned when local persistence fails. It is fatal to
	// the current operation.
	ErrStorage = errors.New("storage error")

	// ErrAuth is returned for bad credentials or an unreachable remote
	// during authentication.
	ErrAuth = errors.New("authentication error")

	// ErrConflict is returned when the configured conflict policy refuses
	// to resolve two versions automatically.
	ErrConflict = errors.New("conflict")

	// ErrNetwork is returned for transient transport failures. The whole
	// sync is safe to retry.
	ErrNetwork = errors.New("network error")

	// ErrSyncInProgress is returned when a sync for the same instance is
	// already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrPartialAck is returned when the remote acknowledged only part of
	// a pushed batch.
	ErrPartialAck = errors.New("push partially acknowledged")
)

// Validationf returns an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Storage wraps a persistence failure of operation op.
// Errors that are already classified are returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%w: failed to %s: %w", ErrStorage, op, err)
}

// Auth wraps an authentication failure.
func Auth(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrAuth, msg, err)
}

// Network wraps a transport failure.
func Network(op string, err error) error {
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
}

// Conflictf returns an ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Classified reports whether err already wraps one of the error kinds.
func Classified(err error) bool {
	for _, kind := range []error{
		ErrValidation, ErrNotFound, ErrStorage, ErrAuth,
		ErrConflict, ErrNetwork, ErrSyncInProgress, ErrPartialAck,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsRetryable returns true if issuing the same sync again is likely to
// succeed without user action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Transport failures are transient
	if errors.Is(err, ErrNetwork) {
		return true
	}

	// The running sync will finish on its own
	if errors.Is(err, ErrSyncInProgress) {
		return true
	}

	// Unacknowledged entries stay pending for the next attempt
	if errors.Is(err, ErrPartialAck) {
		return true
	}

	return false
}

// IsUserActionRequired returns true if the error needs the user to change
// something (credentials, input) before retrying.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict)
}

// IsFatal returns true if the local store itself failed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorage)
}
