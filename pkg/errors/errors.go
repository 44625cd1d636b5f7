// Package errors defines the unified error type for gateway routing
// operations. All provider and transport failures are mapped to a closed set
// of codes; Retriable is the single flag the router consults when deciding
// whether a failure counts toward a provider's failure budget.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error codes returned by providers, the router, and the orchestrator.
const (
	CodeRateLimit           = "RATE_LIMIT"
	CodeServerError         = "SERVER_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeBadRequest          = "BAD_REQUEST"
	CodeInvalidResponse     = "INVALID_RESPONSE"
	CodeInvalidProvider     = "INVALID_PROVIDER"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeAllProvidersFailed  = "ALL_PROVIDERS_FAILED"
	CodeGlobalTimeout       = "GLOBAL_TIMEOUT"
	CodeUnknown             = "UNKNOWN_ERROR"
)

// ProviderError is the standardized error for a failed routing attempt.
// It contains all information needed for failure accounting, logging, and the
// client-facing error envelope.
type ProviderError struct {
	Provider  string `json:"provider,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"-"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s)", e.Code, e.Message, e.Provider)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewRateLimitError creates a retriable rate limit error.
func NewRateLimitError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeRateLimit,
		Message:   message,
		Retriable: true,
	}
}

// NewServerError creates a retriable upstream 5xx error.
func NewServerError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeServerError,
		Message:   message,
		Retriable: true,
	}
}

// NewTimeoutError creates a retriable timeout error.
func NewTimeoutError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeTimeout,
		Message:   message,
		Retriable: true,
	}
}

// NewUnauthorizedError creates an authentication error.
func NewUnauthorizedError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeUnauthorized,
		Message:   message,
		Retriable: false,
	}
}

// NewForbiddenError creates an authorization error.
func NewForbiddenError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeForbidden,
		Message:   message,
		Retriable: false,
	}
}

// NewBadRequestError creates an invalid upstream request error.
func NewBadRequestError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeBadRequest,
		Message:   message,
		Retriable: false,
	}
}

// NewInvalidResponseError creates an error for an upstream body that does not
// match the provider's documented shape.
func NewInvalidResponseError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeInvalidResponse,
		Message:   message,
		Retriable: false,
	}
}

// NewInvalidProviderError creates an error for a pinned provider name that is
// not registered.
func NewInvalidProviderError(name string) *ProviderError {
	return &ProviderError{
		Provider:  name,
		Code:      CodeInvalidProvider,
		Message:   fmt.Sprintf("provider %q does not exist", name),
		Retriable: false,
	}
}

// NewProviderUnavailableError creates an error for a provider that exists but
// cannot serve the request right now.
func NewProviderUnavailableError(provider, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      CodeProviderUnavailable,
		Message:   message,
		Retriable: false,
	}
}

// NewAllProvidersFailedError creates the exhaustion error raised after every
// candidate has been skipped or has failed. lastErr may be nil when no
// candidate was ever attempted.
func NewAllProvidersFailedError(lastErr error) *ProviderError {
	msg := "all providers failed"
	if lastErr != nil {
		detail := lastErr.Error()
		if perr, ok := AsProviderError(lastErr); ok {
			detail = perr.Message
		}
		msg = fmt.Sprintf("all providers failed, last error: %s", detail)
	}
	return &ProviderError{
		Code:      CodeAllProvidersFailed,
		Message:   msg,
		Retriable: false,
		Cause:     lastErr,
	}
}

// NewGlobalTimeoutError creates the error raised when a request exceeds the
// orchestrator's wall-clock deadline.
func NewGlobalTimeoutError(message string) *ProviderError {
	return &ProviderError{
		Code:      CodeGlobalTimeout,
		Message:   message,
		Retriable: false,
	}
}

// NewUnknownError wraps an unexpected fault. Unknown errors are never
// retriable and never mutate provider failure state.
func NewUnknownError(provider string, cause error) *ProviderError {
	msg := "unexpected error"
	if cause != nil {
		msg = fmt.Sprintf("unexpected error: %s", cause.Error())
	}
	return &ProviderError{
		Provider:  provider,
		Code:      CodeUnknown,
		Message:   msg,
		Retriable: false,
		Cause:     cause,
	}
}

// FromHTTPStatus maps an upstream HTTP status code to a ProviderError using
// the shared policy: 429 and 5xx and 408 are retriable, auth and client
// errors are not, anything else is an unknown non-retriable failure.
func FromHTTPStatus(provider string, status int, body []byte) *ProviderError {
	msg := string(body)
	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(provider, fmt.Sprintf("rate limited by upstream (429): %s", msg))
	case status >= 500:
		return NewServerError(provider, fmt.Sprintf("upstream server error (%d): %s", status, msg))
	case status == http.StatusRequestTimeout:
		return NewTimeoutError(provider, fmt.Sprintf("upstream timeout (408): %s", msg))
	case status == http.StatusUnauthorized:
		return NewUnauthorizedError(provider, fmt.Sprintf("upstream rejected credentials (401): %s", msg))
	case status == http.StatusForbidden:
		return NewForbiddenError(provider, fmt.Sprintf("upstream denied access (403): %s", msg))
	case status == http.StatusBadRequest:
		return NewBadRequestError(provider, fmt.Sprintf("upstream rejected request (400): %s", msg))
	default:
		return &ProviderError{
			Provider:  provider,
			Code:      CodeUnknown,
			Message:   fmt.Sprintf("unexpected upstream status (%d): %s", status, msg),
			Retriable: false,
		}
	}
}

// FromTransport maps a transport-level failure (dial, TLS, read, deadline)
// to a ProviderError. Timeouts are retriable; anything else is unknown.
func FromTransport(provider string, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(provider, "request deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(provider, fmt.Sprintf("network timeout: %s", netErr))
	}
	return NewUnknownError(provider, err)
}

// AsProviderError unwraps err as a *ProviderError.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// HTTPStatus maps a routing error code to the status the gateway returns to
// its own clients. Codes with no explicit mapping are internal failures.
func HTTPStatus(code string) int {
	switch code {
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeUnauthorized, CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidProvider:
		return http.StatusBadRequest
	case CodeAllProvidersFailed, CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeGlobalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
