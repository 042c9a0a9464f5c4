package api

// Paths and headers of the proxy wire contract.
const (
	PathAuthAnonymous = "/v1/auth/anonymous"
	PathPreflight     = "/v1/preflight"
	PathGenerate      = "/v1/generate"

	HeaderIdempotencyKey   = "X-Idempotency-Key"
	HeaderIdempotentReplay = "Idempotent-Replay"
)

// Provider names the upstream vendor the proxy forwards a generation to.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Valid reports whether p is one of the providers the proxy accepts.
func (p Provider) Valid() bool {
	return p == ProviderOpenAI || p == ProviderAnthropic
}

func (p Provider) String() string { return string(p) }

// AnonymousAuthRequest exchanges a stable installation token for a short-lived JWT.
type AnonymousAuthRequest struct {
	AppAccountToken string `json:"appAccountToken" binding:"required"`
}

// GenerateRequest is the body of POST /v1/generate.
// The idempotency key travels in a header, never in the body.
type GenerateRequest struct {
	Prompt          string   `json:"prompt" binding:"required"`
	Provider        Provider `json:"provider" binding:"required,oneof=openai anthropic"`
	Model           string   `json:"model" binding:"required"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty" binding:"omitempty,gt=0"`
	Temperature     *float64 `json:"temperature,omitempty" binding:"omitempty,gte=0,lte=2"`
}
