// Package apperrors defines the discriminated error reasons surfaced to
// callers of the invitation and admission workflow.
package apperrors

import "errors"

// Code is a machine-readable error reason.
type Code string

const (
	// Token errors
	CodeExpired   Code = "Expired"
	CodeMalformed Code = "Malformed"
	CodeWrongType Code = "WrongType"

	// Session errors
	CodeSessionNotFound  Code = "SessionNotFound"
	CodeSessionNotActive Code = "SessionNotActive"
	CodeInvitesDisabled  Code = "InvitesDisabled"
	CodeUsageCapReached  Code = "UsageCapReached"
	CodeLinkExpired      Code = "LinkExpired"
	CodeSessionActive    Code = "SessionActive"

	// Participation errors
	CodeAnonymousNotAllowed Code = "AnonymousNotAllowed"
	CodeApprovalPending     Code = "ApprovalPending"
	CodeRequestRejected     Code = "RequestRejected"
	CodeRequestNotFound     Code = "RequestNotFound"
	CodeAlreadyReviewed     Code = "AlreadyReviewed"

	CodeUnauthenticated   Code = "Unauthenticated"
	CodeForbidden         Code = "Forbidden"
	CodeInvalidTransition Code = "InvalidTransition"
	CodeInvalidInput      Code = "InvalidInput"

	// CodeSystem marks storage and other infrastructure faults.
	CodeSystem Code = "SystemError"
)

// Error is a domain error carrying a reason code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the reason code carried by err. Errors that are not domain
// errors are reported as CodeSystem.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeSystem
}

// IsDomain reports whether err carries a domain reason (anything other than
// a system fault).
func IsDomain(err error) bool {
	code := CodeOf(err)
	return code != "" && code != CodeSystem
}
