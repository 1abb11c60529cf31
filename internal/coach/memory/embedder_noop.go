package memory

import (
	"context"
	"fmt"
)

// NoopEmbedder is wired when no embedding provider is configured. It always
// reports unavailability, so turns run without memories and messages are
// stored without vectors.
type NoopEmbedder struct{}

func (NoopEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedder noop: no provider configured: %w", ErrEmbeddingUnavailable)
}

var _ Embedder = NoopEmbedder{}
