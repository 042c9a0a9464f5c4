package extract

import "strings"

const (
	ThinkStart = "<think>"
	ThinkEnd   = "</think>"
)

// SplitReasoning separates <think>...</think> blocks from the rest of text.
// Multiple blocks are concatenated in order. An unclosed block runs to the
// end of text.
func SplitReasoning(text string) (content string, reasoning string) {
	var c, r strings.Builder
	rest := text
	for {
		before, after, found := strings.Cut(rest, ThinkStart)
		c.WriteString(before)
		if !found {
			break
		}
		inside, tail, closed := strings.Cut(after, ThinkEnd)
		r.WriteString(inside)
		if !closed {
			break
		}
		rest = tail
	}
	return c.String(), r.String()
}

// StripReasoning wraps extractors so the text they return has reasoning
// blocks removed and surrounding whitespace trimmed. Shapes are unchanged.
func StripReasoning(extractors ...Extractor) []Extractor {
	if len(extractors) == 0 {
		extractors = Default
	}
	out := make([]Extractor, len(extractors))
	for i, e := range extractors {
		inner := e.Extract
		out[i] = Extractor{
			Shape: e.Shape,
			Extract: func(raw []byte) (string, bool) {
				text, ok := inner(raw)
				if !ok {
					return "", false
				}
				content, _ := SplitReasoning(text)
				return strings.TrimSpace(content), true
			},
		}
	}
	return out
}
