package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nulzo/sermon-proxy/internal/httpclient"
)

// ErrInvalidRequest is returned before any network call when a GenerationRequest fails validation.
var ErrInvalidRequest = errors.New("invalid generation request")

// InsufficientBalanceError is a 402: quota and boosters are exhausted.
// Not retryable until the account is topped up.
type InsufficientBalanceError struct {
	Message string
	Header  http.Header
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("402 Payment Required: %s", e.Message)
}

// ConflictError is a 409: a request with the same idempotency key is still
// being processed. Retry only with the same key.
type ConflictError struct {
	Message        string
	Header         http.Header
	IdempotencyKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("409 Conflict: %s", e.Message)
}

// classify turns status codes with a domain meaning into typed errors.
// Everything else is returned unchanged.
func classify(err error, idempotencyKey string) error {
	var upstream *httpclient.UpstreamError
	if !errors.As(err, &upstream) {
		return err
	}

	switch upstream.StatusCode {
	case http.StatusPaymentRequired:
		return &InsufficientBalanceError{
			Message: upstream.BodyString(),
			Header:  upstream.Header,
		}
	case http.StatusConflict:
		return &ConflictError{
			Message:        upstream.BodyString(),
			Header:         upstream.Header,
			IdempotencyKey: idempotencyKey,
		}
	default:
		return err
	}
}
