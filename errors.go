package testdb

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a malformed or conflicting recognized option.
// It is surfaced at provider construction and is fatal for that provider.
type ConfigurationError struct {
	// Option is the recognized option key at fault, when known.
	Option string
	// Reason describes the violation in human terms.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if e.Option != "" {
		msg = fmt.Sprintf("invalid configuration option %q", e.Option)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProviderError reports that a backing engine could not start or become
// reachable: port conflicts, missing binaries or images, crashes during
// bootstrap. It is not retried automatically; the caller must request a new
// provider or database.
type ProviderError struct {
	// Engine names the provider variant that failed.
	Engine string
	// Err is the underlying cause.
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Engine, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PreparationError reports that a preparer failed while applying DDL/DML.
// The wrapped cause is preserved. The template entry for the preparer's
// fingerprint reverts to buildable, so a later call may retry.
type PreparationError struct {
	// Checksum is the fingerprint of the failing preparer.
	Checksum string
	// Err is the error raised by the preparer.
	Err error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("preparing database (checksum %s): %v", e.Checksum, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsProviderError reports whether err is or wraps a ProviderError.
func IsProviderError(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}

// IsPreparationError reports whether err is or wraps a PreparationError.
func IsPreparationError(err error) bool {
	var target *PreparationError
	return errors.As(err, &target)
}
