package slack

import (
	"errors"
	"fmt"
)

// ErrTokenExpired matches an APIError reporting an expired access token.
var ErrTokenExpired = errors.New("token_expired")

const codeTokenExpired = "token_expired"

// APIError is an application-level failure: the request reached Slack and Slack refused it.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack API error: %s", e.Code)
}

// Is lets errors.Is(err, ErrTokenExpired) recognise expiry reports.
func (e *APIError) Is(target error) bool {
	return target == ErrTokenExpired && e.Code == codeTokenExpired
}

// TransportError covers failures below the API layer: network errors, timeouts,
// non-2xx HTTP statuses and bodies that cannot be decoded.
type TransportError struct {
	Method     string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("slack %s transport failure (HTTP %d): %v", e.Method, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("slack %s transport failure: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is a retryable transport failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
