package sip

import "github.com/ghettovoice/sipcore/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument        = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound      Error = "transaction not found"
	ErrTransactionUnavailable   Error = "transaction unavailable"
	ErrTransactionNotMatched    Error = "transaction not matched"
	ErrTransactionAlreadyExists Error = "transaction already exists"
	ErrTransactionTimedOut      Error = "transaction timed out"
	ErrTransactionTerminated    Error = "transaction terminated"
)

// Dialog errors.
const (
	ErrDialogNotFound      Error = "dialog not found"
	ErrDialogAlreadyExists Error = "dialog already exists"
	ErrDialogTerminated    Error = "dialog terminated"
	ErrOutOfOrderRequest   Error = "out of order request"
)

// Transport and provider errors.
const (
	ErrTransportClosed  Error = "transport closed"
	ErrTransportFailure Error = "transport failure"
	ErrNoTarget         Error = "no target resolved"
	ErrProviderClosed   Error = "provider closed"
	ErrStackClosed      Error = "stack closed"
	ErrTooManyListeners Error = "too many listeners"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"

	errMissHdrs Error = "missing mandatory headers"
)

// Auth errors.
const (
	ErrNoCredentials         Error = "no credentials for realm"
	ErrAuthSchemeUnsupported Error = "unsupported authentication scheme"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
