// Package chat runs one coaching turn: it resolves the thread, gathers
// memories and recent context under a token budget, opens the model stream,
// relays it to the client and persists both sides of the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fitcoach/coach/internal/coach/llm"
	"github.com/fitcoach/coach/internal/coach/memory"
	"github.com/fitcoach/coach/internal/coach/profile"
	"github.com/fitcoach/coach/internal/coach/settings"
	"github.com/fitcoach/coach/internal/coach/store"
)

const (
	// DefaultRecentLimit is how many recent messages are read before the
	// budget is applied.
	DefaultRecentLimit    = 20
	defaultPersistTimeout = 20 * time.Second
)

// ConversationStore is the persistence the pipeline needs.
type ConversationStore interface {
	ResolveOrCreate(ctx context.Context, ownerID, candidateID string) (string, error)
	AppendMessage(ctx context.Context, m store.NewMessage) (string, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// Retriever finds memories in the owner's other conversations.
type Retriever interface {
	Retrieve(ctx context.Context, ownerID string, query []float32, excludeConversationID string, opts memory.RetrieveOptions) memory.Outcome[[]memory.RetrievedMemory]
}

// Tuning supplies runtime overrides; settings.Store implements it.
type Tuning interface {
	String(ctx context.Context, key, def string) string
	Float(ctx context.Context, key string, def float64) float64
	Int(ctx context.Context, key string, def int) int
}

// UsageRecorder is charged with the estimated tokens of each finished turn.
type UsageRecorder interface {
	RecordTokens(ownerID string, tokens int)
}

// Config holds the start-up defaults of the pipeline.
type Config struct {
	Budget         memory.ContextBudget
	Retrieval      memory.RetrieveOptions
	RecentLimit    int
	Model          string
	MaxReplyTokens int
	Temperature    *float64
	// PersistTimeout bounds post-stream persistence, which runs detached
	// from the request.
	PersistTimeout time.Duration
}

// Deps are the collaborators of a Service. Tuning and Usage are optional.
type Deps struct {
	Store     ConversationStore
	Embedder  memory.Embedder
	Retriever Retriever
	Profiles  profile.Provider
	Provider  llm.Provider
	Tuning    Tuning
	Usage     UsageRecorder
	Logger    *slog.Logger
}

// Service runs turns. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	// persisting tracks detached persistence goroutines for shutdown.
	persisting sync.WaitGroup
}

// NewService validates the dependencies and fills config defaults.
func NewService(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("chat: store is required")
	case deps.Embedder == nil:
		return nil, errors.New("chat: embedder is required")
	case deps.Retriever == nil:
		return nil, errors.New("chat: retriever is required")
	case deps.Profiles == nil:
		return nil, errors.New("chat: profile provider is required")
	case deps.Provider == nil:
		return nil, errors.New("chat: llm provider is required")
	}

	if cfg.Budget == (memory.ContextBudget{}) {
		cfg.Budget = memory.DefaultBudget()
	}
	if err := cfg.Budget.Validate(); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = memory.DefaultTopK
	}
	if cfg.Retrieval.Threshold == 0 {
		cfg.Retrieval.Threshold = memory.DefaultSimilarityThreshold
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = DefaultRecentLimit
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger}, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Wait blocks until every detached persistence goroutine has finished or
// ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.persisting.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat: wait for persistence: %w", ctx.Err())
	}
}

// tuning resolves the per-turn knobs, letting runtime settings override
// the start-up defaults.
type tuning struct {
	retrieval   memory.RetrieveOptions
	recentLimit int
	model       string
}

func (s *Service) resolveTuning(ctx context.Context) tuning {
	t := tuning{
		retrieval:   s.cfg.Retrieval,
		recentLimit: s.cfg.RecentLimit,
		model:       s.cfg.Model,
	}
	if s.deps.Tuning == nil {
		return t
	}
	t.retrieval.Threshold = s.deps.Tuning.Float(ctx, settings.KeyRetrievalThreshold, t.retrieval.Threshold)
	t.retrieval.TopK = s.deps.Tuning.Int(ctx, settings.KeyRetrievalTopK, t.retrieval.TopK)
	t.recentLimit = s.deps.Tuning.Int(ctx, settings.KeyRecentMessagesLimit, t.recentLimit)
	t.model = s.deps.Tuning.String(ctx, settings.KeyChatModel, t.model)
	return t
}
