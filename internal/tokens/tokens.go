// Package tokens provides centralized token counting backed by tiktoken-go.
// It lazily initializes the cl100k_base encoding on first use and falls back
// to a character-based heuristic if initialization fails.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func initEncoding() {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
}

// Count returns a token count for text using the cl100k_base encoding.
// If tiktoken is unavailable, it falls back to Estimate.
func Count(text string) int {
	initEncoding()
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns a heuristic token estimate: max(runes/4, word count).
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate trims text to approximately maxTokens, appending an ellipsis when
// anything was cut.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	initEncoding()
	if encoding != nil {
		toks := encoding.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return encoding.Decode(toks[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}
