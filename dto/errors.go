// Package dto defines standardized request and response payloads.
package dto

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry decisions.
type ErrorKind string

const (
	// KindConfig covers static misconfiguration: missing base URL or key,
	// placeholder key, unknown model id, missing workflow template.
	KindConfig ErrorKind = "config"
	// KindTransport covers network timeouts, refused connections and
	// non-2xx HTTP statuses.
	KindTransport ErrorKind = "transport"
	// KindProvider covers HTTP 200 responses that still report failure:
	// explicit error fields, empty data arrays, task status FAILED.
	KindProvider ErrorKind = "provider"
	// KindUnparseable marks responses the provider considered successful
	// but whose shape carried no recognizable image payload.
	KindUnparseable ErrorKind = "unparseable"
	// KindTimeout marks an exhausted polling budget.
	KindTimeout ErrorKind = "timeout"
	// KindPrecondition covers local failures such as an unavailable SDK
	// or a size string that cannot even be defaulted.
	KindPrecondition ErrorKind = "precondition"
)

// APIError represents a unified error structure across providers.
type APIError struct {
	Kind     ErrorKind `json:"kind"`
	Code     int       `json:"code"`
	Message  string    `json:"message"`
	Provider string    `json:"provider"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Provider == "" {
		return fmt.Sprintf("%s (kind=%s, code=%d)", e.Message, e.Kind, e.Code)
	}
	return fmt.Sprintf("%s (kind=%s, code=%d, provider=%s)", e.Message, e.Kind, e.Code, e.Provider)
}

// Retryable reports whether another attempt can plausibly succeed.
// Transport and provider-semantic failures are transient; configuration,
// precondition, timeout and unparseable failures are not.
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTransport, KindProvider:
		return true
	default:
		return false
	}
}

// NewAPIError builds an APIError with the given classification.
func NewAPIError(kind ErrorKind, provider, message string) *APIError {
	return &APIError{Kind: kind, Message: message, Provider: provider}
}

// KindOf extracts the classification from an error chain.
// Errors that are not APIErrors count as transport failures, which keeps
// unknown network-layer errors retryable.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransport
}

// IsRetryable reports whether the error chain allows another attempt.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return err != nil
}
