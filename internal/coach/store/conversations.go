package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is one chat thread. It belongs to exactly one owner.
type Conversation struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time
}

// GetConversation returns the conversation with the given id if it belongs
// to ownerID. A thread owned by someone else is reported as ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, ownerID, id string) (*Conversation, error) {
	var (
		c       Conversation
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, created_at FROM conversations WHERE id = ? AND owner_id = ?",
		id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: conversation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w: %w", ErrStoreUnavailable, err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	return &c, nil
}

// CreateConversation starts a new thread for ownerID.
func (s *Store) CreateConversation(ctx context.Context, ownerID string) (*Conversation, error) {
	c := &Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC(),
	}
	err := s.exec(ctx,
		"INSERT INTO conversations (id, owner_id, created_at) VALUES (?, ?, ?)",
		c.ID, c.OwnerID, c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: create conversation: %w: %w", ErrStoreUnavailable, err)
	}
	return c, nil
}

// ResolveOrCreate returns candidateID when it names an existing thread of
// ownerID, and otherwise creates a fresh thread. Candidates that are empty,
// malformed, unknown, or owned by someone else all lead to a new thread.
func (s *Store) ResolveOrCreate(ctx context.Context, ownerID, candidateID string) (string, error) {
	if candidateID != "" {
		if _, err := uuid.Parse(candidateID); err == nil {
			c, err := s.GetConversation(ctx, ownerID, candidateID)
			switch {
			case err == nil:
				return c.ID, nil
			case !errors.Is(err, ErrNotFound):
				return "", err
			}
		}
	}

	c, err := s.CreateConversation(ctx, ownerID)
	if err != nil {
		return "", err
	}
	s.logger.Debug("store: created conversation", "conversation_id", c.ID, "owner_id", ownerID)
	return c.ID, nil
}

// ConversationCount returns the number of stored threads.
func (s *Store) ConversationCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations: %w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}
