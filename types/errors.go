package types

import (
	"errors"
	"fmt"
)

// Error is the engine's error envelope. Code identifies the taxonomy entry;
// Data optionally carries the offending value.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes.
const (
	ErrValidation       = "VALIDATION_ERROR"
	ErrResolution       = "RESOLUTION_ERROR"
	ErrSigning          = "SIGNING_ERROR"
	ErrGrant            = "GRANT_ERROR"
	ErrAuthorization    = "AUTHORIZATION_ERROR"
	ErrSession          = "SESSION_ERROR"
	ErrSessionBusy      = "SESSION_BUSY"
	ErrDuplicateContact = "DUPLICATE_CONTACT"
	ErrContactNotFound  = "CONTACT_NOT_FOUND"
	ErrConfig           = "CONFIG_ERROR"
)

// NewValidationError builds a VALIDATION_ERROR.
func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NewResolutionError builds a RESOLUTION_ERROR for the given identifier.
func NewResolutionError(id AccountIdentifier, cause error) *Error {
	return &Error{
		Code:    ErrResolution,
		Message: fmt.Sprintf("could not resolve account %s: %v", id, cause),
		Data:    string(id),
	}
}

// NewSigningError builds a SIGNING_ERROR. Signing failures are fatal for the
// enclosing operation and never retried.
func NewSigningError(cause error) *Error {
	return &Error{Code: ErrSigning, Message: fmt.Sprintf("request signing failed: %v", cause)}
}

// NewGrantError builds a GRANT_ERROR.
func NewGrantError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrGrant, Message: fmt.Sprintf(format, args...)}
}

// NewAuthorizationError builds an AUTHORIZATION_ERROR for a denied
// (user, destination) pair.
func NewAuthorizationError(dest AccountIdentifier) *Error {
	return &Error{
		Code:    ErrAuthorization,
		Message: fmt.Sprintf("destination %s is not an authorized contact", dest),
		Data:    string(dest),
	}
}

// PhaseError reports the failure of one payment phase, carrying which phase
// failed and the network's reported cause.
type PhaseError struct {
	Phase Phase
	Cause error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("payment failed during %s: %v", e.Phase, e.Cause)
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}

// NewPhaseError wraps cause as a failure of the given phase.
func NewPhaseError(phase Phase, cause error) *PhaseError {
	return &PhaseError{Phase: phase, Cause: cause}
}

// CodeOf returns the taxonomy code of err, or "" when err carries none.
// PhaseError unwraps to its cause's code when the cause is typed.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
