package models

import (
	"errors"
	"fmt"
)

// Error is the typed failure returned by every decision component.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

const (
	CodeInvalidTransition = "invalid_transition"
	CodeLintFailed        = "lint_failed"
	CodeApprovalRequired  = "approval_required"
	CodeApprovalMismatch  = "approval_mismatch"
	CodeStaleState        = "stale_state"
	CodeKillSwitch        = "kill_switch_engaged"
	CodeExecutionDeferred = "execution_deferred"
	CodeNotFound          = "not_found"
	CodeNoActiveBundle    = "no_active_bundle"
	CodeInvalidInput      = "invalid_input"
	CodeSoDViolation      = "sod_violation"
	CodeActionTerminal    = "action_terminal"
)

var (
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "illegal state transition"}
	ErrLintFailed        = &Error{Code: CodeLintFailed, Message: "rule set has lint errors"}
	ErrApprovalRequired  = &Error{Code: CodeApprovalRequired, Message: "activation requires an approval record"}
	ErrApprovalMismatch  = &Error{Code: CodeApprovalMismatch, Message: "approval does not reference this bundle"}
	ErrStaleState        = &Error{Code: CodeStaleState, Message: "state changed concurrently, re-read and retry", Retryable: true}
	ErrKillSwitch        = &Error{Code: CodeKillSwitch, Message: "global kill switch is engaged"}
	ErrExecutionDeferred = &Error{Code: CodeExecutionDeferred, Message: "deferred, pending operator action"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrNoActiveBundle    = &Error{Code: CodeNoActiveBundle, Message: "no active bundle"}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrSoDViolation      = &Error{Code: CodeSoDViolation, Message: "approver violates separation of duties"}
	ErrActionTerminal    = &Error{Code: CodeActionTerminal, Message: "action is in a terminal state"}
)

// Errorf derives an error carrying base's code with a specific message.
func Errorf(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Message: fmt.Sprintf(format, args...), Retryable: base.Retryable}
}

// CodeOf extracts the code of a typed error, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the caller may re-read state and retry.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
