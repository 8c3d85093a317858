// Package errors defines the normalized error taxonomy for the relay.
// Every provider adapter maps its upstream failures into these kinds;
// routing and cooldown decisions key off them.
package errors

import (
	"fmt"
	"time"
)

// Kind identifies one case of the normalized error taxonomy.
// The set is closed: routing policy depends on it, so new kinds must not be
// added without revisiting the relay's retry and cooldown rules.
type Kind string

const (
	// KindRateLimit means the upstream throttled us.
	KindRateLimit Kind = "rate_limit"
	// KindAuth means credentials are invalid, expired, or lack permission.
	KindAuth Kind = "auth"
	// KindBilling means payment or subscription state prevents use even
	// though the credentials themselves are valid.
	KindBilling Kind = "billing"
	// KindContextLength means the request exceeds the model window.
	KindContextLength Kind = "context_length"
	// KindContentFilter means the upstream safety layer refused the request.
	KindContentFilter Kind = "content_filter"
	// KindServerError means a 5xx or equivalent upstream failure.
	KindServerError Kind = "server_error"
	// KindNetwork means connection refused, DNS, TLS, or socket failure.
	KindNetwork Kind = "network"
	// KindUnknown covers everything else.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether a failure of this kind is transient, meaning the
// same provider may succeed on a later attempt. Auth, billing, context_length,
// and content_filter failures are deterministic; only a different provider or
// a changed request clears them.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServerError, KindNetwork, KindUnknown:
		return true
	default:
		return false
	}
}

// NormalizedError is the standardized error every adapter produces.
type NormalizedError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// RetryAfter is the upstream-suggested wait for rate_limit errors.
	// Zero when the upstream did not provide one.
	RetryAfter time.Duration `json:"retry_after_ms,omitempty"`

	// StatusCode is set for server_error when an HTTP status was observed.
	StatusCode int `json:"status_code,omitempty"`

	// MaxTokens is set for context_length when the model window is known.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Error implements the error interface.
func (e *NormalizedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (code=%d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// New creates a NormalizedError with the given kind and message.
func New(kind Kind, message string) *NormalizedError {
	return &NormalizedError{Kind: kind, Message: message}
}

// NewRateLimit creates a rate_limit error with an optional retry hint.
func NewRateLimit(message string, retryAfter time.Duration) *NormalizedError {
	return &NormalizedError{Kind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// NewAuth creates an auth error.
func NewAuth(message string) *NormalizedError {
	return &NormalizedError{Kind: KindAuth, Message: message}
}

// NewBilling creates a billing error.
func NewBilling(message string) *NormalizedError {
	return &NormalizedError{Kind: KindBilling, Message: message}
}

// NewContextLength creates a context_length error.
func NewContextLength(message string, maxTokens int) *NormalizedError {
	return &NormalizedError{Kind: KindContextLength, Message: message, MaxTokens: maxTokens}
}

// NewContentFilter creates a content_filter error.
func NewContentFilter(message string) *NormalizedError {
	return &NormalizedError{Kind: KindContentFilter, Message: message}
}

// NewServerError creates a server_error with the observed status code.
func NewServerError(statusCode int, message string) *NormalizedError {
	return &NormalizedError{Kind: KindServerError, Message: message, StatusCode: statusCode}
}

// NewNetwork creates a network error.
func NewNetwork(message string) *NormalizedError {
	return &NormalizedError{Kind: KindNetwork, Message: message}
}

// NewUnknown creates an unknown error.
func NewUnknown(message string) *NormalizedError {
	return &NormalizedError{Kind: KindUnknown, Message: message}
}
