package model

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrorValidation          ErrorKind = "validation"
	ErrorInvalidCredential   ErrorKind = "invalid_credential"
	ErrorResourceNotFound    ErrorKind = "resource_not_found"
	ErrorProvisioningTimeout ErrorKind = "provisioning_timeout"
	ErrorExternalSystem      ErrorKind = "external_system"
	ErrorStaleAttempt        ErrorKind = "stale_attempt"
)

// Error is the single typed failure returned across the orchestrator boundary.
type Error struct {
	Kind        ErrorKind
	Message     string
	Suggestions []string
	Err         error
}

// ErrStaleAttempt marks a result or update that belonged to a superseded
// attempt and was dropped. It is never shown to the user.
var ErrStaleAttempt = &Error{Kind: ErrorStaleAttempt, Message: "update belongs to a superseded attempt"}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrStaleAttempt)
// holds for every stale-attempt error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Code maps the kind onto the HTTP API error code.
func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case ErrorValidation:
		return ErrValidation
	case ErrorInvalidCredential:
		return ErrInvalidCredential
	case ErrorResourceNotFound:
		return ErrResourceNotFound
	case ErrorProvisioningTimeout:
		return ErrProvisionTimeout
	default:
		return ErrExternalSystem
	}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: ErrorValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidCredential(message string) *Error {
	return &Error{Kind: ErrorInvalidCredential, Message: message}
}

func ResourceNotFound(message string, suggestions []string) *Error {
	return &Error{Kind: ErrorResourceNotFound, Message: message, Suggestions: suggestions}
}

func ProvisioningTimeout(message string) *Error {
	return &Error{Kind: ErrorProvisioningTimeout, Message: message}
}

// ExternalSystem wraps a provider failure. The provider message is kept as is.
func ExternalSystem(message string, err error) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: ErrorExternalSystem, Message: message, Err: err}
}

// AsError extracts a *Error from err, wrapping anything else as external.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ExternalSystem("", err)
}
