package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrNotFound        = errors.New("resource not found")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")
	ErrConfiguration   = errors.New("invalid or missing configuration")

	// Tracking Errors
	ErrUnknownPosition = errors.New("event references an untracked position")
	ErrInvalidState    = errors.New("inconsistent position or order state")
	ErrAdjustInFlight  = errors.New("a modify request is already outstanding for this position")

	// Broker Specific Errors
	ErrBrokerUnavailable = errors.New("broker gateway is unavailable")
	ErrConnectionFailed  = errors.New("failed to connect to the broker gateway")
	ErrBrokerTimeout     = errors.New("broker did not acknowledge the request in time")
	ErrOrderNotFound     = errors.New("order not found at the broker")
	ErrOrderRejected     = errors.New("order rejected by the broker")

	// Sink Errors
	ErrNotification = errors.New("recorder or messaging sink failure")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)
