// Package apperr defines the error taxonomy shared by all components and its
// single mapping to HTTP status codes. Validation and rate-limit failures are
// converted to these sentinels at the component boundary; anything else is
// treated as an upstream failure.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrRateLimited means the caller must retry later
	ErrRateLimited = errors.New("rate limited")
	// ErrForbidden is terminal for the attempt; rendered identically for every
	// root cause (wrong code, wrong control, foreign token, consumed token)
	ErrForbidden = errors.New("forbidden")
	// ErrAttestationFailed is a rejected device proof; rendered the same as
	// ErrForbidden so callers cannot probe which check failed
	ErrAttestationFailed = errors.New("attestation failed")
	// ErrExpired means the caller must restart the flow from issuance
	ErrExpired = errors.New("expired")
	// ErrMalformed is a client bug
	ErrMalformed = errors.New("malformed input")
	// ErrUpstreamUnavailable is a transient dependency failure, retriable with backoff
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Status maps a taxonomy error to its transport status code.
// Unknown errors map to 500.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrAttestationFailed):
		return http.StatusForbidden
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-visible error string. Forbidden and attestation
// failures render identically.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate limit exceeded"
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrAttestationFailed):
		return "forbidden"
	case errors.Is(err, ErrExpired):
		return "gone"
	case errors.Is(err, ErrMalformed):
		return "bad request"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "service unavailable"
	default:
		return "internal error"
	}
}
