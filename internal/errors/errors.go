// Package errors defines the error taxonomy for the archiver pipeline and the
// classification logic that decides what is worth retrying. Transient failures
// (network, timeout, rate limit, 5xx) are retried locally by the page fetcher;
// permanent failures (4xx, bad symbol, validation) escalate immediately.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/klinehub/go-kline-archiver/internal/models"
)

// ErrorType classifies a pipeline failure.
type ErrorType string

const (
	// Retryable error types.
	ErrorTypeNetwork     ErrorType = "network"      // connectivity failures
	ErrorTypeTimeout     ErrorType = "timeout"      // request deadline exceeded
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // exchange or dataset repo throttling
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx

	// Non-retryable error types.
	ErrorTypeBadRequest ErrorType = "bad_request" // HTTP 4xx, invalid symbol or interval
	ErrorTypeValidation ErrorType = "validation"  // data failed model invariants
	ErrorTypeStorage    ErrorType = "storage"     // persistence write failure

	ErrorTypeUnknown ErrorType = "unknown"
)

// Retryable reports which types the fetch layer may retry.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	default:
		return false
	}
}

// FetchError is a terminal fetch failure for one key: either a permanent
// error, or a transient one whose retry budget is exhausted. It identifies
// the key and the number of attempts made.
type FetchError struct {
	Key      models.FetchKey
	Type     ErrorType
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s) [%s]: %v", e.Key, e.Attempts, e.Type, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps a classified failure with its key and attempt count.
func NewFetchError(key models.FetchKey, errType ErrorType, attempts int, err error) *FetchError {
	return &FetchError{Key: key, Type: errType, Attempts: attempts, Err: err}
}

// StorageWriteError is a failed persistence attempt. The remote copy is
// untouched when this is returned: writes are staged and only replace the
// previous file on success.
type StorageWriteError struct {
	Key models.FetchKey
	Err error
}

// Error implements the error interface.
func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write for %s failed: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageWriteError) Unwrap() error { return e.Err }

// MergeInvariantError indicates a merge produced a series that violates the
// strictly-increasing open time invariant. This should not occur with correct
// inputs; it is surfaced per key for diagnosis rather than masked.
type MergeInvariantError struct {
	Key models.FetchKey
	Err error
}

// Error implements the error interface.
func (e *MergeInvariantError) Error() string {
	return fmt.Sprintf("merge invariant violated for %s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *MergeInvariantError) Unwrap() error { return e.Err }

// Classify determines the error type from the error's shape and content.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Type
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return ErrorTypeValidation
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "broken pipe"):
		return ErrorTypeNetwork
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"):
		return ErrorTypeTimeout
	}

	return ErrorTypeUnknown
}

// ClassifyHTTPStatus maps an HTTP status code to an error type.
func ClassifyHTTPStatus(status int) ErrorType {
	switch {
	case status == 429 || status == 418: // 418 is Binance's repeat-offender ban code
		return ErrorTypeRateLimit
	case status >= 500:
		return ErrorTypeServerError
	case status >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

// IsRetryable reports whether the error is worth another local attempt.
// Unknown errors are treated as retryable so a flaky intermediary cannot
// permanently fail a key on its first hiccup.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	t := Classify(err)
	if t == ErrorTypeUnknown {
		return true
	}
	return t.Retryable()
}
