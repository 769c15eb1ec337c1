package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies upstream provider failures.
type ErrorKind string

const (
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindUnauthorized    ErrorKind = "unauthorized"
	ErrKindRateLimited     ErrorKind = "rate_limited"
	ErrKindMalformedChunk  ErrorKind = "malformed_chunk"
	ErrKindConnectionReset ErrorKind = "connection_reset"
)

// Error is a provider-agnostic failure with a stable classification.
type Error struct {
	Provider   string
	Kind       ErrorKind
	HTTPStatus int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %s", e.Provider, msg)
	}
	return fmt.Sprintf("provider: %s", msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError extracts a provider Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Retryable reports whether the failure may be silently retried. Only a
// connection reset qualifies; everything else is surfaced to the caller.
func (e *Error) Retryable() bool {
	return e.Kind == ErrKindConnectionReset
}

// classifyStatus maps an upstream HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrKindUnauthorized
	case http.StatusTooManyRequests:
		return ErrKindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrKindTimeout
	default:
		return ErrKindConnectionReset
	}
}

// classifyTransport maps a transport-level error to an error kind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTimeout
	}
	return ErrKindConnectionReset
}
