package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/fitcoach/coach/internal/coach/tokens"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one immutable turn of a conversation.
type Message struct {
	ID             string
	ConversationID string
	OwnerID        string
	Role           string
	Content        string
	// Embedding is nil when the embedding provider was unavailable at write
	// time.
	Embedding  []float32
	TokenCount int
	CreatedAt  time.Time
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	ConversationID string
	OwnerID        string
	Role           string
	Content        string
	Embedding      []float32
}

const messageColumns = "id, conversation_id, owner_id, role, content, embedding, token_count, created_at"

// AppendMessage stores a message and returns its id. The token count is
// computed here so that every stored message carries the same estimate.
func (s *Store) AppendMessage(ctx context.Context, m NewMessage) (string, error) {
	var embeddingJSON any
	if len(m.Embedding) > 0 {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return "", fmt.Errorf("store: marshal embedding: %w", err)
		}
		embeddingJSON = string(b)
	}

	id := uuid.NewString()
	err := s.exec(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id, m.ConversationID, m.OwnerID, m.Role, m.Content,
		embeddingJSON, tokens.Estimate(m.Content), s.now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("store: append message: %w: %w", ErrStoreUnavailable, err)
	}

	s.logger.Debug("store: appended message",
		"message_id", id,
		"conversation_id", m.ConversationID,
		"role", m.Role,
		"has_embedding", embeddingJSON != nil,
	)
	return id, nil
}

// RecentMessages returns up to limit of the newest messages of a thread in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?",
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query recent messages: %w: %w", ErrStoreUnavailable, err)
	}
	msgs, err := s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// EmbeddedCandidates returns every embedded message of ownerID outside the
// excluded conversation. It feeds similarity search.
func (s *Store) EmbeddedCandidates(ctx context.Context, ownerID, excludeConversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages
		 WHERE owner_id = ? AND conversation_id != ? AND embedding IS NOT NULL
		 ORDER BY created_at DESC, seq DESC`,
		ownerID, excludeConversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query candidates: %w: %w", ErrStoreUnavailable, err)
	}
	return s.scanMessages(rows)
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// scanMessages drains rows. An undecodable embedding is logged and left
// nil rather than failing the whole read.
func (s *Store) scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			embedding sql.NullString
			created   int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &m.Role, &m.Content,
			&embedding, &m.TokenCount, &created); err != nil {
			return nil, fmt.Errorf("store: scan message: %w: %w", ErrStoreUnavailable, err)
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &m.Embedding); err != nil {
				s.logger.Warn("store: undecodable embedding", "message_id", m.ID, "err", err)
				m.Embedding = nil
			}
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}
