package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/nulzo/sermon-proxy/internal/httpclient"

// HTTPClient defines the interface for an HTTP client
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond paces outgoing requests. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient overrides the default *http.Client; Timeout is ignored when set.
	HTTPClient HTTPClient
	Logger     *zap.Logger
}

// Response is a fully read backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// BodyString returns the body as UTF-8 text.
func (r *Response) BodyString() string {
	return string(r.Body)
}

// Client executes authenticated JSON requests against a single base URL.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    HTTPClient
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New creates a Client for the given options.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidURL, opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL: base,
		http:    httpClient,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return c, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// RequestJSON sends a request and decodes a 2xx body into out.
func (c *Client) RequestJSON(ctx context.Context, method, path, token string, headers map[string]string, body interface{}, out interface{}) (*Response, error) {
	resp, err := c.RequestRaw(ctx, method, path, token, headers, body)
	if err != nil {
		return nil, err
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, &DecodingError{URL: c.resolveForLog(path), Err: err}
		}
	}

	return resp, nil
}

// RequestRaw sends a request and returns the raw 2xx response.
// Non-2xx responses come back as *UpstreamError, faults as *TransportError.
func (c *Client) RequestRaw(ctx context.Context, method, path, token string, headers map[string]string, body interface{}) (*Response, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := encodeJSON(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	ctx, span := c.tracer.Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	)
	req = req.WithContext(ctx)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limiter")
			return nil, &TransportError{Method: method, URL: target, Err: err}
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.logger.Debug("Proxy request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, &TransportError{Method: method, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.logger.Debug("Proxy request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	// Check for non-200 status codes
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Header:     resp.Header.Clone(),
			URL:        target,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}

// resolve joins path onto the base URL, keeping any base path prefix.
func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidURL, path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("%w: %q must be relative to the base url", ErrInvalidURL, path)
	}

	u := *c.baseURL
	u.Path = strings.TrimSuffix(c.baseURL.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) resolveForLog(path string) string {
	if u, err := c.resolve(path); err == nil {
		return u
	}
	return path
}

func encodeJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
