package proxy

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nulzo/sermon-proxy/internal/httpclient"
	"go.uber.org/zap"
)

// Transport is the subset of *httpclient.Client the proxy clients need.
type Transport interface {
	RequestJSON(ctx context.Context, method, path, token string, headers map[string]string, body interface{}, out interface{}) (*httpclient.Response, error)
	RequestRaw(ctx context.Context, method, path, token string, headers map[string]string, body interface{}) (*httpclient.Response, error)
}

// Client talks to the backend AI proxy. Auth, preflight and generate live in
// their own files; they share one transport.
type Client struct {
	transport Transport
	validate  *validator.Validate
	newKey    func() string
	logger    *zap.Logger
}

type Option func(*Client)

// WithKeyGenerator overrides how idempotency keys are minted.
func WithKeyGenerator(fn func() string) Option {
	return func(c *Client) { c.newKey = fn }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(transport Transport, opts ...Option) *Client {
	v := validator.New()
	v.SetTagName("binding")

	c := &Client{
		transport: transport,
		validate:  v,
		newKey:    uuid.NewString,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
