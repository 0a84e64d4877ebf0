// Package history enforces a per-session maximum-token budget on
// stored dialog by evicting oldest turn pairs.
package history

import (
	"github.com/nugget/thane-gateway/internal/llm"
)

// Trim evicts whole (user, assistant) pairs from the front of dialog
// until EstimateTokens(dialog) <= budget. If the single remaining pair
// still exceeds budget, Trim returns an empty dialog — the offending
// pair is not preserved. Pure, no I/O.
func Trim(dialog []llm.Message, budget int) []llm.Message {
	for len(dialog) > 0 && EstimateTokens(dialog) > budget {
		if len(dialog) < 2 {
			return dialog[:0]
		}
		dialog = dialog[2:]
	}
	return dialog
}

// EstimateTokens is a coarse character-length-based approximation of
// the backend's own tokenizer: ceil(len(content)/4), summed over every
// message's content. Exactness is not required — this is a safety cap
// against unbounded growth, not a precise accounting.
func EstimateTokens(dialog []llm.Message) int {
	total := 0
	for _, m := range dialog {
		total += estimateOne(m.Content)
	}
	return total
}

func estimateOne(content string) int {
	return (len(content) + 3) / 4
}
