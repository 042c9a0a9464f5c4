package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/sermon-proxy/pkg/api"
	openai "github.com/sashabaranov/go-openai"
)

// TextFunc produces the completion text for a request.
type TextFunc func(req api.GenerateRequest) string

// CostFunc prices a completed generation in tokens.
type CostFunc func(req api.GenerateRequest, output string) int

// EchoText answers with the prompt, capped at maxOutputTokens words.
func EchoText(req api.GenerateRequest) string {
	words := strings.Fields(req.Prompt)
	if req.MaxOutputTokens != nil && len(words) > *req.MaxOutputTokens {
		words = words[:*req.MaxOutputTokens]
	}
	return "Echo: " + strings.Join(words, " ")
}

// WordCost charges one token per whitespace-separated word in and out.
func WordCost(req api.GenerateRequest, output string) int {
	return len(strings.Fields(req.Prompt)) + len(strings.Fields(output))
}

// FixedCost charges n tokens per generation.
func FixedCost(n int) CostFunc {
	return func(api.GenerateRequest, string) int { return n }
}

type anthropicMessage struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// vendorBody renders text in the response shape of req.Provider.
func vendorBody(req api.GenerateRequest, text string, now time.Time) ([]byte, error) {
	in := len(strings.Fields(req.Prompt))
	out := len(strings.Fields(text))

	switch req.Provider {
	case api.ProviderOpenAI:
		return json.Marshal(openai.ChatCompletionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: now.Unix(),
			Model:   req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: text,
				},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{
				PromptTokens:     in,
				CompletionTokens: out,
				TotalTokens:      in + out,
			},
		})
	case api.ProviderAnthropic:
		return json.Marshal(anthropicMessage{
			ID:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			Type:       "message",
			Role:       "assistant",
			Model:      req.Model,
			Content:    []anthropicContent{{Type: "text", Text: text}},
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: in, OutputTokens: out},
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", req.Provider)
	}
}
