package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/pool"
	"github.com/WebFirstLanguage/combsync/pkg/wire"
)

// Kind classifies an RPC failure
type Kind int

const (
	// KindOther covers remote error frames and malformed replies
	KindOther Kind = iota
	// KindTimeout means no well-formed response arrived in time
	KindTimeout
	// KindIDMismatch means the responder is not the node on file for the endpoint
	KindIDMismatch
	// KindMalfactorAttack means the endpoint is blacklisted for repeated identity violations
	KindMalfactorAttack
	// KindEndpointUnreachable means the connection could not be established
	KindEndpointUnreachable
	// KindCancelled means the caller's context was cancelled
	KindCancelled
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindOther:
		return "Other"
	case KindTimeout:
		return "Timeout"
	case KindIDMismatch:
		return "IDMismatch"
	case KindMalfactorAttack:
		return "MalfactorAttack"
	case KindEndpointUnreachable:
		return "EndpointUnreachable"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Kind sentinels for errors.Is
var (
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrIDMismatch          = &Error{Kind: KindIDMismatch}
	ErrMalfactorAttack     = &Error{Kind: KindMalfactorAttack}
	ErrEndpointUnreachable = &Error{Kind: KindEndpointUnreachable}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrOther               = &Error{Kind: KindOther}
)

// Server-side errors returned by handlers
var (
	// ErrNotRunning is sent while the node is not in the running state
	ErrNotRunning = wire.NewError(constants.ErrorNotRunning, "node is not running")

	// ErrSelfRequest is sent when a frame claims to come from the local node
	ErrSelfRequest = wire.NewError(constants.ErrorSelfRequest, "request from own id")

	// ErrBlacklistedSender is sent when the sender claims a blacklisted endpoint
	ErrBlacklistedSender = wire.NewError(constants.ErrorBlacklisted, "sender is blacklisted")
)

// Error is the outcome of a failed RPC. A nil *Error means success.
type Error struct {
	Kind     Kind
	Endpoint string
	Detail   string
	Err      error
}

func newError(kind Kind, endpoint, detail string, err error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Detail: detail, Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Endpoint)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "rpc: " + msg
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt may succeed. Remote error frames
// are retryable when the responder says so, such as a rate limit.
func (e *Error) Retryable() bool {
	if e.Kind == KindTimeout || e.Kind == KindEndpointUnreachable {
		return true
	}
	if werr, ok := e.Remote(); ok {
		return werr.IsRetryable()
	}
	return false
}

// Remote returns the protocol error carried by a remote error frame
func (e *Error) Remote() (*wire.Error, bool) {
	var werr *wire.Error
	if errors.As(e.Err, &werr) {
		return werr, true
	}
	return nil, false
}

// classify maps a transport or pool failure to an RPC error
func classify(ctx context.Context, endpoint string, err error) *Error {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return newError(KindCancelled, endpoint, "", err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, pool.ErrWaitTimeout) {
		return newError(KindTimeout, endpoint, "", err)
	}

	var dialErr *pool.DialError
	if errors.As(err, &dialErr) {
		return newError(KindEndpointUnreachable, endpoint, "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, endpoint, "", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, endpoint, "", err)
	}

	// A connection that broke mid-exchange yields no well-formed response
	return newError(KindTimeout, endpoint, "connection lost", err)
}
