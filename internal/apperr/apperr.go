// Package apperr defines the accounting error taxonomy shared by the credit
// ledger, the limit evaluator and the HTTP layer.
//
// Every failure surfaced by the engine matches exactly one of the four
// sentinels below via errors.Is:
//
//	ErrInsufficientCredits  debit larger than the available balance
//	ErrLimitExceeded        plan spend, quota or feature limit blocks the operation
//	ErrStoreUnavailable     the durable store could not complete; safe to retry
//	ErrInvalidInput         rejected before any store call
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidInput        = errors.New("invalid input")

	// ErrNotFound refines ErrInvalidInput for unknown tenants and accounts.
	ErrNotFound = fmt.Errorf("%w: not found", ErrInvalidInput)
)

// InsufficientCreditsError reports how far short a debit fell.
type InsufficientCreditsError struct {
	TenantID  string
	Requested int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: tenant %s requested %d, available %d",
		e.TenantID, e.Requested, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// LimitError is returned when a plan limit blocks an operation. Reason is
// human readable and UpgradeURL points at the path to resolution.
type LimitError struct {
	Tier       string
	Limit      string // limit or feature name
	Reason     string
	UpgradeURL string
}

func (e *LimitError) Error() string { return "limit exceeded: " + e.Reason }

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// Invalid builds an ErrInvalidInput error with a formatted detail message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unavailable wraps an infrastructure failure from op. The result matches
// both ErrStoreUnavailable and the underlying error.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// Retryable reports whether the caller may retry the failed call unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Code returns a stable machine-readable code for API responses.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case Retryable(err):
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error onto the status code the API responds with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "insufficient_credits":
		return http.StatusPaymentRequired
	case "limit_exceeded":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "store_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
