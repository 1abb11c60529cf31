// Package profile supplies the fitness profile summary that opens every
// prompt. Summaries are produced outside the chat path; Upsert exists for
// the maintenance CLI.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultSummary is used when an owner has no stored profile or it cannot
// be read.
const DefaultSummary = "You are a supportive, knowledgeable fitness coach. " +
	"The user has not shared a fitness profile yet; ask about their goals, experience and any injuries before prescribing specific training."

// Provider returns the profile summary of an owner.
type Provider interface {
	Summary(ctx context.Context, ownerID string) (string, error)
}

// SQLiteProvider reads profile_summaries.
type SQLiteProvider struct {
	db       *sql.DB
	fallback string
	logger   *slog.Logger
}

// NewSQLiteProvider returns a provider reading from db. An empty fallback
// selects DefaultSummary.
func NewSQLiteProvider(db *sql.DB, fallback string, logger *slog.Logger) *SQLiteProvider {
	if fallback == "" {
		fallback = DefaultSummary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteProvider{db: db, fallback: fallback, logger: logger}
}

// Summary returns the stored summary, or the fallback with a non-nil error
// describing why it was used. The returned text is always usable.
func (p *SQLiteProvider) Summary(ctx context.Context, ownerID string) (string, error) {
	var summary string
	err := p.db.QueryRowContext(ctx,
		`SELECT summary FROM profile_summaries WHERE owner_id = ?`, ownerID,
	).Scan(&summary)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return p.fallback, fmt.Errorf("profile: no summary for %q", ownerID)
	case err != nil:
		p.logger.Warn("profile: read failed", "owner_id", ownerID, "err", err)
		return p.fallback, fmt.Errorf("profile: read summary: %w", err)
	case strings.TrimSpace(summary) == "":
		return p.fallback, fmt.Errorf("profile: empty summary for %q", ownerID)
	}
	return summary, nil
}

// Upsert stores the summary of ownerID. It is used by operators and tests;
// the profile service normally owns this table.
func (p *SQLiteProvider) Upsert(ctx context.Context, ownerID, summary string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profile_summaries (owner_id, summary, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			summary    = excluded.summary,
			updated_at = excluded.updated_at
	`, ownerID, summary, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("profile: upsert %q: %w", ownerID, err)
	}
	return nil
}

// Static always returns the same summary. Useful when no profile service
// exists.
type Static string

func (s Static) Summary(context.Context, string) (string, error) { return string(s), nil }

var (
	_ Provider = (*SQLiteProvider)(nil)
	_ Provider = Static("")
)
