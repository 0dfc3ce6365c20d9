package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ProviderErrorKind classifies provider failures into a small set of categories
// suitable for retry and circuit breaker decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing the request will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the provider is throttling requests.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindUnavailable indicates a transient provider failure (5xx,
	// network issues, timeouts) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified provider failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	message   string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
// Retryability follows the kind: rate_limited and unavailable are retryable.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		retryable: kind == ProviderErrorKindRateLimited || kind == ProviderErrorKindUnavailable,
		cause:     cause,
	}
}

// Transient returns an unavailable ProviderError wrapping cause.
func Transient(provider string, cause error) *ProviderError {
	return NewProviderError(provider, "", 0, ProviderErrorKindUnavailable, "", cause)
}

// Fatal returns an invalid_request ProviderError with the given message.
func Fatal(provider, message string) *ProviderError {
	return NewProviderError(provider, "", 0, ProviderErrorKindInvalidRequest, message, nil)
}

// KindForStatus maps an HTTP status returned by a provider to an error kind.
func KindForStatus(status int) ProviderErrorKind {
	switch {
	case status == 401 || status == 403:
		return ProviderErrorKindAuth
	case status == 429:
		return ProviderErrorKindRateLimited
	case status == 408 || status >= 500:
		return ProviderErrorKindUnavailable
	case status >= 400:
		return ProviderErrorKindInvalidRequest
	default:
		return ProviderErrorKindUnknown
	}
}

// Provider returns the provider identifier (for example, "anthropic").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained provider error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed without changing the request.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, msg)
}

// Unwrap returns the underlying provider error to preserve the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// Is reports whether target is ErrRateLimited and the error is rate limited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsTransient reports whether err is a failure a retry may resolve: retryable
// provider errors, deadline expirations and network timeouts. Cancellation is
// never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsFatal reports whether err is a provider failure that must not be retried
// (authentication or invalid request).
func IsFatal(err error) bool {
	pe, ok := AsProviderError(err)
	if !ok {
		return false
	}
	return pe.Kind() == ProviderErrorKindAuth || pe.Kind() == ProviderErrorKindInvalidRequest
}
