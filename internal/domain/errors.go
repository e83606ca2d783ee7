package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnknownQueue   = errors.New("unknown queue")
	ErrInvalidCursor  = errors.New("invalid cursor")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// ValidityReason is the terminal classification produced by the validity
// checker.
type ValidityReason string

const (
	ReasonInvalidTarget       ValidityReason = "invalid-target"
	ReasonCancelled           ValidityReason = "cancelled"
	ReasonFilled              ValidityReason = "filled"
	ReasonNoBalance           ValidityReason = "no-balance"
	ReasonNoApproval          ValidityReason = "no-approval"
	ReasonNoBalanceNoApproval ValidityReason = "no-balance-no-approval"
)

// ValidityError reports that an order is not fillable. It is a normal
// classification, not a fault.
type ValidityError struct {
	Reason ValidityReason
}

func (e *ValidityError) Error() string {
	return "order not fillable: " + string(e.Reason)
}

// NewValidityError returns a *ValidityError for reason.
func NewValidityError(reason ValidityReason) error {
	return &ValidityError{Reason: reason}
}

// AsValidityError unwraps a *ValidityError from err.
func AsValidityError(err error) (*ValidityError, bool) {
	var ve *ValidityError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ThrottledError signals upstream rate limiting. The job must be retried
// after RetryAfter without consuming an attempt.
type ThrottledError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("throttled, retry after %s: %v", e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("throttled, retry after %s", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrRateLimited
}

// AsThrottled unwraps a *ThrottledError from err.
func AsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
