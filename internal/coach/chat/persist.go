package chat

import (
	"context"

	"github.com/fitcoach/coach/internal/coach/relay"
	"github.com/fitcoach/coach/internal/coach/store"
	"github.com/fitcoach/coach/internal/coach/tokens"
)

// persistReply stores the assistant side of a turn. It runs once per
// relayed turn on a context detached from the request, after the user
// message write has finished. Failures are logged: the client already has
// the reply.
func (s *Service) persistReply(ctx context.Context, r *Reply, res relay.Result) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()

	logger := r.logger.With("interrupted", res.Interrupted)

	if err := r.userWrite.Wait(); err != nil {
		logger.Warn("chat: user message not stored", "err", err)
	}

	if s.deps.Usage != nil {
		s.deps.Usage.RecordTokens(r.turn.OwnerID, r.promptTokens+tokens.Estimate(res.Text))
	}

	if res.Text == "" {
		logger.Info("chat: empty reply, nothing to store", "err", res.Err)
		return
	}

	embedding, err := s.deps.Embedder.Embed(ctx, res.Text)
	if err != nil {
		logger.Warn("chat: storing reply without embedding", "err", err)
		embedding = nil
	}

	id, err := s.deps.Store.AppendMessage(ctx, store.NewMessage{
		ConversationID: r.ConversationID,
		OwnerID:        r.turn.OwnerID,
		Role:           store.RoleAssistant,
		Content:        res.Text,
		Embedding:      embedding,
	})
	if err != nil {
		logger.Error("chat: reply not stored", "err", err, "chars", len(res.Text))
		return
	}

	logger.Info("chat: turn complete",
		"message_id", id,
		"finish_reason", res.FinishReason,
		"frames", res.Frames,
		"embedded", embedding != nil,
		"degraded", r.Degraded,
	)
}
