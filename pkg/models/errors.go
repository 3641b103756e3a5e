package models

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any state is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError signals an unknown operation, batch, or job id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// QuotaExceededError signals a daily, monthly, or concurrency cap.
type QuotaExceededError struct {
	Quota string
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded (limit %d)", e.Quota, e.Limit)
}

// ProviderError wraps an external AI call failure. Retryable errors
// (network, timeout, rate limit, 5xx) are re-enqueued with backoff;
// terminal ones (safety filter, invalid prompt) fail the operation
// immediately.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryableProviderError reports whether err is a provider failure that
// should be retried with backoff.
func IsRetryableProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}

// WebhookDeliveryError is retried locally up to a bound, then dropped with a
// logged warning; it never surfaces to the operation's result.
type WebhookDeliveryError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook delivery to %s failed with status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("webhook delivery to %s failed: %v", e.URL, e.Err)
}

func (e *WebhookDeliveryError) Unwrap() error { return e.Err }
