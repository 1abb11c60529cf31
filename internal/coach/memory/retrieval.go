package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/fitcoach/coach/internal/coach/store"
)

const (
	// DefaultSimilarityThreshold is the exclusive lower bound on cosine
	// similarity for a message to count as a memory.
	DefaultSimilarityThreshold = 0.6
	// DefaultTopK caps the number of memories per turn.
	DefaultTopK = 5
)

var errEmptyQuery = errors.New("empty query vector")

// RetrievedMemory is a past message similar to the current query.
type RetrievedMemory struct {
	Role       string
	Content    string
	Similarity float64
}

// RetrieveOptions tunes one retrieval.
type RetrieveOptions struct {
	Threshold float64
	TopK      int
}

// CandidateSource lists the embedded messages eligible for retrieval.
type CandidateSource interface {
	EmbeddedCandidates(ctx context.Context, ownerID, excludeConversationID string) ([]store.Message, error)
}

// Retriever searches an owner's other conversations by cosine similarity.
// Vectors are compared in Go; there is no index.
type Retriever struct {
	source CandidateSource
	logger *slog.Logger
}

// NewRetriever creates a Retriever. If logger is nil, the default slog
// logger is used.
func NewRetriever(source CandidateSource, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{source: source, logger: logger}
}

type scoredMessage struct {
	msg   store.Message
	score float64
}

// Retrieve returns at most opts.TopK messages of ownerID, outside
// excludeConversationID, whose similarity to query is strictly above
// opts.Threshold, most similar first. Failures yield an empty result with
// the cause in Err.
func (r *Retriever) Retrieve(ctx context.Context, ownerID string, query []float32, excludeConversationID string, opts RetrieveOptions) Outcome[[]RetrievedMemory] {
	if opts.TopK <= 0 {
		return OK[[]RetrievedMemory](nil)
	}
	if len(query) == 0 {
		return Fallback[[]RetrievedMemory](nil, fmt.Errorf("memory: retrieve: %w", errEmptyQuery))
	}

	candidates, err := r.source.EmbeddedCandidates(ctx, ownerID, excludeConversationID)
	if err != nil {
		return Fallback[[]RetrievedMemory](nil, fmt.Errorf("memory: retrieve: %w", err))
	}

	var scored []scoredMessage
	mismatched := 0
	for _, m := range candidates {
		// The source filters in SQL; this guards against a source that
		// does not.
		if m.OwnerID != ownerID || m.ConversationID == excludeConversationID {
			continue
		}
		if len(m.Embedding) != len(query) {
			mismatched++
			continue
		}
		sim := cosineSimilarity(query, m.Embedding)
		if sim > opts.Threshold {
			scored = append(scored, scoredMessage{msg: m, score: sim})
		}
	}
	if mismatched > 0 {
		r.logger.Warn("memory: skipped candidates with mismatched dimensions",
			"owner_id", ownerID, "count", mismatched, "query_dim", len(query))
	}

	sortScored(scored)
	if len(scored) > opts.TopK {
		scored = scored[:opts.TopK]
	}

	out := make([]RetrievedMemory, 0, len(scored))
	for _, s := range scored {
		out = append(out, RetrievedMemory{Role: s.msg.Role, Content: s.msg.Content, Similarity: s.score})
	}
	return OK(out)
}

// sortScored orders by descending similarity, then newer first, then id.
func sortScored(items []scoredMessage) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.After(b.msg.CreatedAt)
		}
		return a.msg.ID < b.msg.ID
	})
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if either vector is empty or has zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
