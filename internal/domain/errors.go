package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated     = errors.New("invalid or inactive credential")
	ErrModelNotFound       = errors.New("model not found")
	ErrProviderUnavailable = errors.New("model provider is not available")
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrCredentialNotFound  = errors.New("credential not found")
)

// QuotaExceededError is returned when the rate limiter denies admission.
// RetryAfter is the exact number of seconds until the violated window rolls
// over, never a fixed constant.
type QuotaExceededError struct {
	Reason     string
	RetryAfter int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s (retry after %ds)", e.Reason, e.RetryAfter)
}

// AdapterError is a hard failure from a backend call: a non-2xx status or a
// transport-level error. It is never retried by the gateway.
type AdapterError struct {
	Status int
	Body   string
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error: status=%d body=%s", e.Status, e.Body)
	}
	return "provider error: " + e.Body
}

// ConfigurationError reports a malformed provider configuration, detected at
// provider-creation or adapter-construction time rather than per request.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}
