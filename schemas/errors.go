package schemas

import "fmt"

// ProviderError represents an error returned by the batch inference provider.
// It carries enough structure for callers to decide between retrying within
// the current tick, backing off the key, or surfacing the failure.
type ProviderError struct {
	// StatusCode is the HTTP status of the provider response, or 0 when the
	// request never produced one (dial failure, timeout, cancelled context).
	StatusCode int `json:"status_code,omitempty"`

	// Code is the provider's machine-readable error code, when present.
	Code string `json:"code,omitempty"`

	// Type is the provider's error type classifier, when present.
	Type string `json:"type,omitempty"`

	// Message is the human-readable provider message.
	Message string `json:"message"`

	// Retryable marks transient failures (5xx, timeouts, connection resets)
	// that are worth one more attempt inside the same tick.
	Retryable bool `json:"retryable"`

	wrapped error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (status %d, code %q): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// Unwrap exposes the underlying transport error, when one exists.
func (e *ProviderError) Unwrap() error {
	return e.wrapped
}

// IsQuota reports whether the provider rejected the call for quota or rate
// reasons. These failures put the key on cooldown instead of being retried.
func (e *ProviderError) IsQuota() bool {
	return e.StatusCode == 429 || e.Code == "rate_limit_exceeded" || e.Code == "insufficient_quota" ||
		e.Code == "token_limit_exceeded" || e.Code == "batch_token_limit_exceeded"
}

// NewProviderError builds a ProviderError around a transport-level failure.
func NewProviderError(message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Message:   message,
		Retryable: retryable,
		wrapped:   err,
	}
}
