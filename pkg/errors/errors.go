// Package errors defines the caller-visible error taxonomy for dispatch
// and pool operations. Upstream failures are mapped onto these types
// before they can reach a handler; credential ids and secrets are never
// included.
package errors

import (
	"fmt"
	"net/http"
)

// Error classes, used for observability and client-side handling.
const (
	TypeInvalidRequest         = "invalid_request_error"
	TypeCredentialAuthFailure  = "credential_auth_failure"
	TypeUpstreamTransient      = "upstream_transient_error"
	TypePoolExhausted          = "pool_exhausted"
	TypeAllCandidatesExhausted = "all_candidates_exhausted"
	TypeStreamInterrupted      = "stream_interrupted"
	TypeStoreUnavailable       = "store_unavailable"
	TypeNotFound               = "not_found_error"
	TypeInternalError          = "internal_error"
)

// DispatchError is a standardized error carrying enough information to
// build a client response without exposing upstream detail.
type DispatchError struct {
	StatusCode int    `json:"status_code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("[%s] %s (code=%d)", e.Type, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the status code to use for the client response.
func (e *DispatchError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewInvalidRequest reports malformed caller input. Rejected before any
// upstream contact and never retried.
func NewInvalidRequest(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusBadRequest,
		Type:       TypeInvalidRequest,
		Message:    message,
		Retryable:  false,
	}
}

// NewCredentialAuthFailure reports that the upstream rejected a
// credential. Handled internally by demotion; it only surfaces when it
// is folded into an exhaustion error.
func NewCredentialAuthFailure(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusBadGateway,
		Type:       TypeCredentialAuthFailure,
		Message:    message,
		Retryable:  false,
	}
}

// NewUpstreamTransient reports a rate-limited or temporarily failing
// upstream. The credential is not penalized.
func NewUpstreamTransient(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeUpstreamTransient,
		Message:    message,
		Retryable:  true,
	}
}

// NewPoolExhausted reports that no active credentials exist. No
// upstream call was attempted.
func NewPoolExhausted() *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypePoolExhausted,
		Message:    "no upstream credentials available, please try again later",
		Retryable:  true,
	}
}

// NewAllCandidatesExhausted reports that every candidate was attempted
// and none produced a deliverable response.
func NewAllCandidatesExhausted(attempts int) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeAllCandidatesExhausted,
		Message:    fmt.Sprintf("model busy after %d attempts, please try again", attempts),
		Retryable:  true,
	}
}

// NewStreamInterrupted reports a failure after partial delivery. Never
// retried internally: content already sent cannot be retracted.
func NewStreamInterrupted(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusBadGateway,
		Type:       TypeStreamInterrupted,
		Message:    message,
		Retryable:  false,
	}
}

// NewStoreUnavailable reports that the credential store could not be
// reached.
func NewStoreUnavailable(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeStoreUnavailable,
		Message:    message,
		Retryable:  true,
	}
}

// NewNotFound reports that a referenced record does not exist.
func NewNotFound(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusNotFound,
		Type:       TypeNotFound,
		Message:    message,
		Retryable:  false,
	}
}

// NewInternal reports an unclassified server-side failure.
func NewInternal(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusInternalServerError,
		Type:       TypeInternalError,
		Message:    message,
		Retryable:  false,
	}
}
