package session

import (
	"errors"
	"net/http"

	"github.com/nulzo/sermon-proxy/internal/httpclient"
	"github.com/nulzo/sermon-proxy/internal/proxy"
)

var (
	// ErrNotAuthenticated is returned without any network call when no valid
	// credential is held and the controller cannot obtain one itself.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNothingToRetry is returned by RetryLast when no 409'd request is pending.
	ErrNothingToRetry = errors.New("no pending request to retry")
)

// Kind is the caller-facing category of a failure.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidURL
	KindTransport
	KindHTTP
	KindDecoding
	KindInsufficientBalance
	KindConflict
	KindNotAuthenticated
	KindInvalidRequest
	KindNothingToRetry
	KindUnknown
)

var kindNames = map[Kind]string{
	KindNone:                "none",
	KindInvalidURL:          "invalid_url",
	KindTransport:           "transport",
	KindHTTP:                "http",
	KindDecoding:            "decoding",
	KindInsufficientBalance: "insufficient_balance",
	KindConflict:            "conflict",
	KindNotAuthenticated:    "not_authenticated",
	KindInvalidRequest:      "invalid_request",
	KindNothingToRetry:      "nothing_to_retry",
	KindUnknown:             "unknown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Classify maps any error returned by the clients or the controller onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		insufficient *proxy.InsufficientBalanceError
		conflict     *proxy.ConflictError
		upstream     *httpclient.UpstreamError
		transport    *httpclient.TransportError
		decoding     *httpclient.DecodingError
	)

	switch {
	case errors.As(err, &insufficient):
		return KindInsufficientBalance
	case errors.As(err, &conflict):
		return KindConflict
	case errors.As(err, &upstream):
		return KindHTTP
	case errors.As(err, &decoding):
		return KindDecoding
	case errors.As(err, &transport):
		return KindTransport
	case errors.Is(err, httpclient.ErrInvalidURL):
		return KindInvalidURL
	case errors.Is(err, ErrNotAuthenticated):
		return KindNotAuthenticated
	case errors.Is(err, proxy.ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrNothingToRetry):
		return KindNothingToRetry
	default:
		return KindUnknown
	}
}

// Failure is the user-facing error state of the last operation.
type Failure struct {
	Kind Kind
	// Code is the HTTP status when one applies: 402, 409 or the upstream status.
	Code    int
	Message string
	// IdempotencyKey is set for conflicts so the caller can retry with the same key.
	IdempotencyKey string
}

func newFailure(err error) *Failure {
	f := &Failure{Kind: Classify(err), Message: err.Error()}

	var conflict *proxy.ConflictError
	var upstream *httpclient.UpstreamError
	switch f.Kind {
	case KindInsufficientBalance:
		f.Code = http.StatusPaymentRequired
	case KindConflict:
		f.Code = http.StatusConflict
		if errors.As(err, &conflict) {
			f.IdempotencyKey = conflict.IdempotencyKey
		}
	case KindHTTP:
		if errors.As(err, &upstream) {
			f.Code = upstream.StatusCode
		}
	}
	return f
}
