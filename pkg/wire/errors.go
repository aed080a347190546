package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

// Error represents a protocol error carried in an ERROR frame
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("%s: %s (retry after %ds)", ErrorCodeName(e.Code), e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", ErrorCodeName(e.Code), e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit || e.Code == constants.ErrorNotRunning
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInternal:
		return "INTERNAL"
	case constants.ErrorNotRunning:
		return "NOT_RUNNING"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorBadRequest:
		return "BAD_REQUEST"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorSelfRequest:
		return "SELF_REQUEST"
	case constants.ErrorValueTooLarge:
		return "VALUE_TOO_LARGE"
	case constants.ErrorBlacklisted:
		return "BLACKLISTED"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrRateLimit creates a rate limit error with retry-after
func ErrRateLimit(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorRateLimit, "rate limit exceeded", retryAfter)
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrorEnvelope creates an envelope containing an error reply to seq
func ErrorEnvelope(from *kad.Contact, seq uint64, err *Error) (*Envelope, error) {
	return NewEnvelope(constants.KindError, from, seq, err)
}

// IsErrorEnvelope checks if an envelope contains an error
func IsErrorEnvelope(env *Envelope) bool {
	return env.Kind == constants.KindError
}

// ExtractError extracts an Error from an error envelope
func ExtractError(env *Envelope) (*Error, error) {
	if !IsErrorEnvelope(env) {
		return nil, fmt.Errorf("envelope is not an error envelope")
	}

	var e Error
	if err := env.DecodeBody(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
