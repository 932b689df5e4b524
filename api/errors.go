package api

import (
	"errors"
	"fmt"
)

// TransportError indicates a network-level failure: the request never
// produced an HTTP response. These are the only API failures recoverable by
// user-initiated retry or resume.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Kind identifies the failure class for message-level error reporting.
func (e *TransportError) Kind() string { return "transport" }

// ServerError indicates the server answered with a non-2xx status or a
// well-formed failure body. Not auto-retried; surfaced verbatim.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error during %s (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server error during %s (status %d)", e.Op, e.StatusCode)
}

// Kind identifies the failure class for message-level error reporting.
func (e *ServerError) Kind() string { return "server" }

// AuthError indicates a missing or expired credential (401/403). Surfaced
// distinctly so callers can prompt re-authentication instead of offering a
// retry.
type AuthError struct {
	Op         string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s (status %d)", e.Op, e.StatusCode)
}

// Kind identifies the failure class for message-level error reporting.
func (e *AuthError) Kind() string { return "auth" }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsServer reports whether err is (or wraps) a ServerError.
func IsServer(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
