// Package slberr defines the machine-readable error codes surfaced on the
// CLI JSON envelope and the IPC protocol.
package slberr

import (
	"errors"
	"fmt"
)

// Code identifies an error class to machine callers.
type Code string

const (
	CodeSessionConflict   Code = "session_conflict"
	CodeSessionNotFound   Code = "session_not_found"
	CodeSessionEnded      Code = "session_ended"
	CodeProgramMismatch   Code = "program_mismatch"
	CodeAgentBlocked      Code = "agent_blocked"
	CodeRateLimited       Code = "rate_limited"
	CodePatternConfig     Code = "pattern_config_invalid"
	CodeInvalidTransition Code = "invalid_state_transition"
	CodeSelfReview        Code = "self_review_forbidden"
	CodeDuplicateReview   Code = "duplicate_review"
	CodeModelRequired     Code = "different_model_required"
	CodeSignatureInvalid  Code = "signature_invalid"
	CodeSignatureStale    Code = "signature_stale"
	CodeApprovalExpired   Code = "approval_expired"
	CodeHashMismatch      Code = "command_hash_mismatch"
	CodeTierRaised        Code = "tier_raised_since_approval"
	CodeAlreadyClaimed    Code = "already_claimed"
	CodeNotApproved       Code = "not_approved"
	CodeAlreadyExecuted   Code = "already_executed"
	CodeRemovalNeedsHuman Code = "pattern_removal_requires_human"
	CodeDaemonUnreachable Code = "daemon_unreachable"
	CodeRequestNotFound   Code = "request_not_found"
	CodeStoreIO           Code = "store_io_error"
	CodeInternal          Code = "internal"
)

// Error carries a code plus a human message and optional remediation hint.
type Error struct {
	Code         Code   `json:"error_code"`
	Message      string `json:"message"`
	Hint         string `json:"hint,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports code equality so callers can match with errors.Is against a
// bare-code sentinel, e.g. errors.Is(err, slberr.Sentinel(CodeRateLimited)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New builds an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches a remediation hint and returns the same error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithRetryAfter attaches a retry delay and returns the same error.
func (e *Error) WithRetryAfter(ms int64) *Error {
	e.RetryAfterMs = ms
	return e
}

// Sentinel returns a comparison target for errors.Is.
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}

// CodeOf extracts the Code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
