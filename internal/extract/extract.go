// Package extract pulls display text out of vendor-shaped response bodies.
//
// Each Extractor understands one response family and is tried in order;
// support for a new family is added by appending to Default.
package extract

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Shape identifies which response family produced the text.
type Shape string

const (
	ShapeNone              Shape = ""
	ShapeOpenAIChat        Shape = "openai.chat_completion"
	ShapeAnthropicMessages Shape = "anthropic.messages"
)

// Extractor is a pure function over a raw body. ok is false when the body is
// not of this shape; it never fails loudly.
type Extractor struct {
	Shape   Shape
	Extract func(raw []byte) (text string, ok bool)
}

// Default tries the OpenAI chat-completion shape first, then Anthropic messages.
var Default = []Extractor{
	{Shape: ShapeOpenAIChat, Extract: OpenAIChat},
	{Shape: ShapeAnthropicMessages, Extract: AnthropicMessages},
}

// Text runs the extractors in order and returns the first match.
// With no extractors given, Default is used. No match yields "" and ShapeNone.
func Text(raw []byte, extractors ...Extractor) (string, Shape) {
	if len(extractors) == 0 {
		extractors = Default
	}
	for _, e := range extractors {
		if text, ok := e.Extract(raw); ok {
			return text, e.Shape
		}
	}
	return "", ShapeNone
}

// openAIChoices holds only what extraction reads, so unrelated fields of
// the body cannot fail the decode.
type openAIChoices struct {
	Choices []struct {
		Message openai.ChatCompletionMessage `json:"message"`
	} `json:"choices"`
}

// OpenAIChat reads choices[0].message.content.
func OpenAIChat(raw []byte) (string, bool) {
	var resp openAIChoices
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", false
	}
	if len(resp.Choices) == 0 {
		return "", false
	}

	msg := resp.Choices[0].Message
	if msg.Content != "" {
		return msg.Content, true
	}
	if len(msg.MultiContent) > 0 {
		var parts []string
		for _, p := range msg.MultiContent {
			if p.Type == openai.ChatMessagePartTypeText {
				parts = append(parts, p.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, ""), true
		}
	}
	return "", false
}

type anthropicBlock struct {
	Type *string `json:"type"`
	Text *string `json:"text"`
}

type anthropicMessage struct {
	Content []anthropicBlock `json:"content"`
}

// AnthropicMessages reads the first content block whose type is "text".
func AnthropicMessages(raw []byte) (string, bool) {
	var msg anthropicMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", false
	}
	for _, block := range msg.Content {
		if block.Type != nil && *block.Type == "text" && block.Text != nil {
			return *block.Text, true
		}
	}
	return "", false
}
