package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fitcoach/coach/internal/coach/llm"
	"github.com/fitcoach/coach/internal/coach/memory"
	"github.com/fitcoach/coach/internal/coach/observability"
	"github.com/fitcoach/coach/internal/coach/profile"
	"github.com/fitcoach/coach/internal/coach/prompt"
	"github.com/fitcoach/coach/internal/coach/relay"
	"github.com/fitcoach/coach/internal/coach/store"
	"github.com/fitcoach/coach/internal/coach/tokens"
)

// Turn is one incoming user message.
type Turn struct {
	OwnerID string
	// ConversationID is the client's candidate thread; empty starts a new
	// one.
	ConversationID string
	Message        string
}

// Reply is an opened model stream for a turn, ready to be relayed.
type Reply struct {
	ConversationID string
	// Degraded names the best-effort stages that fell back for this turn.
	Degraded []string
	// Prompt is what was sent to the model.
	Prompt []llm.Message

	svc          *Service
	turn         Turn
	stream       llm.Stream
	userWrite    *errgroup.Group
	promptTokens int
	logger       *slog.Logger
}

// Start prepares the turn and opens the model stream. Nothing has been
// written to the client when it returns. Errors wrap
// store.ErrStoreUnavailable when the thread cannot be resolved and
// llm.ErrUpstreamUnavailable when the stream cannot be opened.
func (s *Service) Start(ctx context.Context, t Turn) (*Reply, error) {
	logger := observability.WithTrace(ctx, s.logger).With("owner_id", t.OwnerID)
	tune := s.resolveTuning(ctx)

	convID, err := s.deps.Store.ResolveOrCreate(ctx, t.OwnerID, t.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: resolve conversation: %w", err)
	}
	logger = logger.With("conversation_id", convID)

	query := s.embedQuery(ctx, t.Message)
	memories := s.retrieve(ctx, t.OwnerID, query, convID, tune.retrieval)
	recent := s.recentMessages(ctx, convID, tune.recentLimit)
	summary := s.profileSummary(ctx, t.OwnerID)

	var degraded []string
	for _, stage := range []struct {
		name string
		err  error
	}{
		{"query_embedding", query.Err},
		{"retrieval", memories.Err},
		{"recent_messages", recent.Err},
		{"profile", summary.Err},
	} {
		if stage.err != nil {
			degraded = append(degraded, stage.name)
			logger.Debug("chat: stage degraded", "stage", stage.name, "err", stage.err)
		}
	}

	assembled := memory.Assemble(recent.Value, memories.Value,
		s.cfg.Budget.CurrentConversationTokens, s.cfg.Budget.RetrievedContextTokens)
	messages := prompt.Build(summary.Value, assembled.RetrievedSummary, assembled.CurrentContext, t.Message)

	promptTokens := 0
	for _, m := range messages {
		promptTokens += tokens.Estimate(m.Content)
	}

	// The user message is stored while the stream opens. It reuses the
	// query vector and survives client disconnects.
	userWrite := new(errgroup.Group)
	detached := context.WithoutCancel(ctx)
	userWrite.Go(func() error {
		wctx, cancel := context.WithTimeout(detached, s.cfg.PersistTimeout)
		defer cancel()
		_, err := s.deps.Store.AppendMessage(wctx, store.NewMessage{
			ConversationID: convID,
			OwnerID:        t.OwnerID,
			Role:           store.RoleUser,
			Content:        t.Message,
			Embedding:      query.Value,
		})
		return err
	})

	stream, err := s.deps.Provider.Stream(ctx, llm.StreamRequest{
		Model:       tune.model,
		Messages:    messages,
		MaxTokens:   s.cfg.MaxReplyTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		if werr := userWrite.Wait(); werr != nil {
			logger.Warn("chat: user message not stored", "err", werr)
		}
		return nil, fmt.Errorf("chat: open stream: %w", err)
	}

	logger.Debug("chat: stream opened",
		"memories", len(memories.Value),
		"current_messages", len(assembled.CurrentContext),
		"current_tokens", assembled.CurrentTokens,
		"retrieved_tokens", assembled.RetrievedTokens,
		"prompt_tokens", promptTokens,
		"model", tune.model,
	)

	return &Reply{
		ConversationID: convID,
		Degraded:       degraded,
		Prompt:         messages,
		svc:            s,
		turn:           t,
		stream:         stream,
		userWrite:      userWrite,
		promptTokens:   promptTokens,
		logger:         logger,
	}, nil
}

// Relay streams the reply to w and hands the buffered text to detached
// persistence. It must be called exactly once. Persistence runs whether
// the stream completed, broke, or the client went away; use Service.Wait
// to block on it.
func (r *Reply) Relay(ctx context.Context, w io.Writer) relay.Result {
	res := relay.New(w, r.logger).Run(ctx, r.stream, r.ConversationID)

	detached := context.WithoutCancel(ctx)
	r.svc.persisting.Add(1)
	go func() {
		defer r.svc.persisting.Done()
		r.svc.persistReply(detached, r, res)
	}()
	return res
}

func (s *Service) embedQuery(ctx context.Context, text string) memory.Outcome[[]float32] {
	vec, err := s.deps.Embedder.Embed(ctx, text)
	if err != nil {
		return memory.Fallback[[]float32](nil, err)
	}
	return memory.OK(vec)
}

func (s *Service) retrieve(ctx context.Context, ownerID string, query memory.Outcome[[]float32], convID string, opts memory.RetrieveOptions) memory.Outcome[[]memory.RetrievedMemory] {
	if query.Degraded() {
		return memory.Fallback[[]memory.RetrievedMemory](nil, fmt.Errorf("chat: no query vector: %w", query.Err))
	}
	return s.deps.Retriever.Retrieve(ctx, ownerID, query.Value, convID, opts)
}

func (s *Service) recentMessages(ctx context.Context, convID string, limit int) memory.Outcome[[]store.Message] {
	msgs, err := s.deps.Store.RecentMessages(ctx, convID, limit)
	if err != nil {
		return memory.Fallback[[]store.Message](nil, err)
	}
	return memory.OK(msgs)
}

// profileSummary always yields usable text; providers return their
// fallback alongside the error.
func (s *Service) profileSummary(ctx context.Context, ownerID string) memory.Outcome[string] {
	text, err := s.deps.Profiles.Summary(ctx, ownerID)
	if text == "" {
		text = profile.DefaultSummary
	}
	if err != nil {
		return memory.Fallback(text, err)
	}
	return memory.OK(text)
}
