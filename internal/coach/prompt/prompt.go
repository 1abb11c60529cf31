// Package prompt builds the ordered message list sent to the model.
package prompt

import "github.com/fitcoach/coach/internal/coach/llm"

// MemoriesHeader introduces the retrieved summary in its system message.
const MemoriesHeader = "Memories from past conversations with this user (use them only when relevant):\n"

// Build returns, in order: the domain summary as a system message, the
// retrieved summary as a second system message when non-empty, the current
// conversation context, and the new user message. It does not enforce any
// size limit.
func Build(domainSummary, retrievedSummary string, current []llm.Message, newUserMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, len(current)+3)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: domainSummary})
	if retrievedSummary != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: MemoriesHeader + retrievedSummary})
	}
	msgs = append(msgs, current...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: newUserMessage})
}
