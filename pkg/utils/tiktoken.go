// Package utils provides tiktoken-based token counting utilities.
package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"streamgate/pkg/llm"
)

// TokenCounter provides token counting for model text. Every model is
// approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // Codec construction is expensive; share one instance
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// NewTokenCounter creates a new token counter for the specified model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// DefaultTokenCounter returns a shared GPT-4 counter. If the codec cannot be
// loaded the counter falls back to character estimation.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter("gpt-4")
		if err != nil {
			counter = &TokenCounter{}
		}
		defaultCounter = counter
	})
	return defaultCounter
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountMessages estimates the prompt tokens of a conversation.
func (tc *TokenCounter) CountMessages(messages []llm.Message) int {
	var sb strings.Builder
	for i := range messages {
		sb.WriteString(string(messages[i].Role))
		sb.WriteString(": ")
		sb.WriteString(messages[i].Content)
		sb.WriteString("\n")
	}
	return tc.CountTokens(sb.String())
}
