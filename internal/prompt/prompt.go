// Package prompt composes the ordered message list sent to the
// inference backend from a system prompt, stored dialog history, and a
// new user turn.
package prompt

import "github.com/nugget/thane-gateway/internal/llm"

// Compose builds [system?] ++ dialog ++ [new user turn]. If
// systemPrompt is empty, the system message is omitted. Pure function,
// no I/O.
func Compose(systemPrompt string, dialog []llm.Message, newUserTurn string) []llm.Message {
	out := make([]llm.Message, 0, len(dialog)+2)

	if systemPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: systemPrompt})
	}
	out = append(out, dialog...)
	out = append(out, llm.Message{Role: "user", Content: newUserTurn})

	return out
}
