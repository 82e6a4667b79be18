package powerauth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can branch on the cause
// without parsing message strings.
type ErrorKind int

const (
	// ErrInvalidActivationState means the operation is illegal for the
	// current state of the activation state machine.
	ErrInvalidActivationState ErrorKind = iota + 1
	// ErrAlreadyConfigured means Configure was called twice for the same
	// instance identifier.
	ErrAlreadyConfigured
	// ErrNotConfigured means no instance exists for the identifier.
	ErrNotConfigured
	// ErrMissingActivation means a signing or vault operation was requested
	// without a valid activation.
	ErrMissingActivation
	// ErrWrongPassword means the knowledge factor was rejected.
	ErrWrongPassword
	// ErrBiometryFailed means the biometric gate could not produce key
	// material; Reason carries the detail.
	ErrBiometryFailed
	// ErrNetwork means the transport failed before a server verdict.
	ErrNetwork
	// ErrServerRejected means the server answered with an error code.
	ErrServerRejected
	// ErrCounterDesynchronized means the signature counter drifted from the
	// server and automatic recovery did not restore it.
	ErrCounterDesynchronized
	// ErrInsufficientStorageProtection means the configured secure storage
	// does not meet the encryption requirement.
	ErrInsufficientStorageProtection
	// ErrCorruptedState means the persisted activation record failed its
	// integrity check. The record is unusable and has been cleared.
	ErrCorruptedState
	// ErrInvalidParameter means the caller supplied malformed input.
	ErrInvalidParameter
	// ErrCancelled means the caller's context was cancelled before the
	// counter-advance step; persisted state is untouched.
	ErrCancelled
)

// BiometryReason details an ErrBiometryFailed error.
type BiometryReason int

const (
	BiometryUserCancelled BiometryReason = iota + 1
	BiometryUnavailable
	BiometryLockedOut
)

// Error is the engine error type. Kind is machine readable, Message is for
// humans, Code carries the server error code for ErrServerRejected.
type Error struct {
	Kind    ErrorKind
	Code    string
	Reason  BiometryReason
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("powerauth: %s: %v", e.Message, e.cause)
	}
	return "powerauth: " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err, or 0 when err is not an engine
// error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// ServerCode extracts the server error code from err, or "" when the error
// did not originate from a server rejection.
func ServerCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func serverError(code, msg string) *Error {
	return &Error{Kind: ErrServerRejected, Code: code, Message: msg}
}

func biometryError(reason BiometryReason, msg string) *Error {
	return &Error{Kind: ErrBiometryFailed, Reason: reason, Message: msg}
}
