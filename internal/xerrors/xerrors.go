// Package xerrors defines the error taxonomy shared across components.
// Errors are recovered at the lowest component able to recover them;
// crossing a component boundary happens only via counters, health status,
// or an explicit alert record, never as a raw propagated exception.
package xerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is against these, not string matching.
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrProtocol         = errors.New("protocol error")
	ErrSequenceGap      = errors.New("order book sequence gap")
	ErrRateLimit        = errors.New("rate limited")
	ErrConfig           = errors.New("configuration error")
	ErrBus              = errors.New("bus error")
	ErrStore            = errors.New("store error")
	ErrFatalInvariant   = errors.New("fatal invariant violation")

	// ErrConnect, ErrAuth and ErrChannelConfig refine C1's open() failure
	// modes from spec §4.1.
	ErrConnect      = errors.New("connect error")
	ErrAuth         = errors.New("auth error")
	ErrChannelConfig = errors.New("unknown channel")
)

// RetryableError wraps BusError/StoreError-class failures with an explicit
// retryable flag, since the same underlying client can produce both
// retryable (connection) and terminal (auth/config) failures.
type RetryableError struct {
	Kind      error
	Retryable bool
	Cause     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%v: %v (retryable=%v)", e.Kind, e.Cause, e.Retryable)
}

func (e *RetryableError) Unwrap() error { return e.Kind }

// NewBusError wraps cause as a BusError, retryable when retryable is true.
func NewBusError(cause error, retryable bool) error {
	return &RetryableError{Kind: ErrBus, Retryable: retryable, Cause: cause}
}

// NewStoreError wraps cause as a StoreError, retryable when retryable is true.
func NewStoreError(cause error, retryable bool) error {
	return &RetryableError{Kind: ErrStore, Retryable: retryable, Cause: cause}
}

// IsRetryable reports whether err is a RetryableError marked retryable.
// Non-RetryableError values are treated as non-retryable by default.
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}
