package httpclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidURL means the request URL could not be built from the base URL and path.
var ErrInvalidURL = errors.New("invalid url")

// UpstreamError represents a non-2xx response from the backend.
// Status-specific meaning is left to callers.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	URL        string
}

func (e *UpstreamError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("upstream error: status %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("upstream error: status %d from %s: %s", e.StatusCode, e.URL, e.BodyString())
}

// BodyString returns the raw response body as text.
func (e *UpstreamError) BodyString() string {
	return string(e.Body)
}

// TransportError wraps connection failures, timeouts and other faults that
// happened before a complete HTTP response was read.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodingError means a 2xx body did not match the expected JSON shape.
type DecodingError struct {
	URL string
	Err error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("failed to decode response from %s: %v", e.URL, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }
