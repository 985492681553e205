package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("provider_resource_not_found")
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	ErrInvalidPayload   = errors.New("invalid_webhook_payload")
	ErrNotConfigured    = errors.New("provider_not_configured")
)

// ProviderError wraps any failure talking to the payment provider. It is
// always retryable and never means "not found".
type ProviderError struct {
	Op         string
	Code       string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider_error: %s (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("provider_error: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func NewProviderError(op string, err error) *ProviderError {
	return &ProviderError{Op: op, Err: err}
}

func IsProviderError(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr)
}
