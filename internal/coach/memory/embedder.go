// Package memory turns stored conversation history into prompt context.
//
// It owns the three steps between the store and the prompt: embedding text
// into vectors, retrieving similar messages from the owner's other
// conversations, and assembling the current thread plus those memories
// under a token budget. Every step degrades instead of failing: a turn
// with no memories is still a valid turn.
package memory

import (
	"context"
	"errors"
)

// ErrEmbeddingUnavailable is reported for every embedding failure:
// transport, provider rejection, undecodable or empty responses, timeouts.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// MaxEmbeddingInputChars is the longest input sent to a provider; longer
// text is cut, never rejected.
const MaxEmbeddingInputChars = 8000

// Embedder produces vector embeddings for text.
type Embedder interface {
	// Embed returns the embedding of text or an error wrapping
	// ErrEmbeddingUnavailable.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// truncateInput cuts text to MaxEmbeddingInputChars runes.
func truncateInput(text string) string {
	if len(text) <= MaxEmbeddingInputChars {
		return text
	}
	n := 0
	for i := range text {
		if n == MaxEmbeddingInputChars {
			return text[:i]
		}
		n++
	}
	return text
}
