package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulzo/sermon-proxy/pkg/api"
	"go.uber.org/zap"
)

// GenerationRequest is one logical generation attempt. Retrying the same
// attempt means reusing IdempotencyKey; an empty key gets a fresh UUID.
type GenerationRequest struct {
	api.GenerateRequest
	IdempotencyKey string `json:"-"`
}

// GenerationResult is a successful /v1/generate response, body untouched.
type GenerationResult struct {
	IdempotencyKey string
	// Replay is true when the backend served a cached response for this key
	// instead of doing new work.
	Replay     bool
	StatusCode int
	Header     http.Header
	RawBody    []byte
}

// BodyString returns the raw vendor-shaped body as text.
func (r *GenerationResult) BodyString() string {
	return string(r.RawBody)
}

// Generate issues a content-generation request.
//
// A 402 becomes *InsufficientBalanceError, a 409 becomes *ConflictError; any
// other failure is passed through from the transport.
func (c *Client) Generate(ctx context.Context, token string, req GenerationRequest) (*GenerationResult, error) {
	if err := c.validate.Struct(req.GenerateRequest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.newKey()
	}

	headers := map[string]string{api.HeaderIdempotencyKey: key}
	resp, err := c.transport.RequestRaw(ctx, http.MethodPost, api.PathGenerate, token, headers, req.GenerateRequest)
	if err != nil {
		err = classify(err, key)
		c.logger.Debug("Generate failed", zap.String("idempotency_key", key), zap.Error(err))
		return nil, err
	}

	return &GenerationResult{
		IdempotencyKey: key,
		Replay:         IsReplay(resp.Header),
		StatusCode:     resp.StatusCode,
		Header:         resp.Header,
		RawBody:        resp.Body,
	}, nil
}

// IsReplay reports whether the Idempotent-Replay header says "true", ignoring
// case in both the header name and the value.
func IsReplay(h http.Header) bool {
	for name, values := range h {
		if !strings.EqualFold(name, api.HeaderIdempotentReplay) {
			continue
		}
		for _, v := range values {
			if strings.EqualFold(strings.TrimSpace(v), "true") {
				return true
			}
		}
		return false
	}
	return false
}
