// Package tokenizer estimates model token counts for budgeting decisions.
package tokenizer

import (
	"unicode"

	"github.com/getcaravan/caravan/schemas"
)

// Counter estimates how many tokens a model tokenizer would produce for a
// string. Counts drive packing and quota budgets, so they must be
// deterministic; they do not need to match the provider's tokenizer
// exactly.
type Counter interface {
	Count(text string) int
}

// Estimator is a deterministic, dependency-free approximation of BPE
// tokenizers: words cost roughly one token per four characters, ASCII
// punctuation tokenizes alone, and non-ASCII runes count one token each.
type Estimator struct{}

// NewEstimator returns the default token estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count implements Counter.
func (e *Estimator) Count(text string) int {
	tokens := 0
	wordLen := 0
	flush := func() {
		if wordLen > 0 {
			tokens += (wordLen + 3) / 4
			wordLen = 0
		}
	}
	for _, r := range text {
		switch {
		case r == ' ' || r == '\n' || r == '\t' || r == '\r':
			flush()
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			wordLen++
		default:
			flush()
			tokens++
		}
	}
	flush()
	return tokens
}

// messageOverhead approximates the per-message framing cost of the chat
// completion format.
const messageOverhead = 4

// CountMessages estimates the prompt token cost of a full message list.
func CountMessages(c Counter, messages []schemas.ChatMessage) int {
	tokens := 0
	for _, msg := range messages {
		tokens += messageOverhead + c.Count(msg.Content)
	}
	return tokens
}
