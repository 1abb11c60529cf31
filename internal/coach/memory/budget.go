package memory

import "fmt"

// ContextBudget splits the prompt's token allowance between its parts.
// It is a plain value handed to each turn; nothing mutates it after
// start-up.
type ContextBudget struct {
	SystemPromptTokens        int `yaml:"system_prompt_tokens"`
	CurrentConversationTokens int `yaml:"current_conversation_tokens"`
	RetrievedContextTokens    int `yaml:"retrieved_context_tokens"`
	TotalTokens               int `yaml:"total_tokens"`
}

// DefaultBudget returns the standard allocation.
func DefaultBudget() ContextBudget {
	return ContextBudget{
		SystemPromptTokens:        1500,
		CurrentConversationTokens: 2500,
		RetrievedContextTokens:    800,
		TotalTokens:               4800,
	}
}

// Validate rejects negative parts and parts that exceed the total.
func (b ContextBudget) Validate() error {
	if b.SystemPromptTokens < 0 || b.CurrentConversationTokens < 0 || b.RetrievedContextTokens < 0 || b.TotalTokens < 0 {
		return fmt.Errorf("memory: budget: negative allocation: %+v", b)
	}
	if sum := b.SystemPromptTokens + b.CurrentConversationTokens + b.RetrievedContextTokens; sum > b.TotalTokens {
		return fmt.Errorf("memory: budget: parts (%d) exceed total (%d)", sum, b.TotalTokens)
	}
	return nil
}
