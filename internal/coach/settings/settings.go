// Package settings is a key/value store of operator-tunable knobs kept in
// the application database, so they can change without a restart.
//
// Only non-secret values belong here. API keys come from configuration.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Keys read by the chat pipeline on every turn.
const (
	KeyChatModel           = "llm.model"
	KeyRetrievalThreshold  = "retrieval.threshold"
	KeyRetrievalTopK       = "retrieval.top_k"
	KeyRecentMessagesLimit = "retrieval.recent_limit"
)

// ErrNotFound is returned by Get when the key has not been set.
var ErrNotFound = errors.New("settings: key not found")

// Store is a SQLite-backed settings table. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New returns a Store on db. The settings table is created by the store
// package migrations.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Get returns the value for key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("settings: get %q: %w", key, err)
	}
	return value, nil
}

// Set upserts key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("settings: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	return nil
}

// List returns every key/value pair. The map is empty, not nil, when
// nothing is set.
func (s *Store) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("settings: list scan: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: list rows: %w", err)
	}
	return out, nil
}

// String returns the value of key, or def when unset or unreadable.
func (s *Store) String(ctx context.Context, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("settings: read failed, using default", "key", key, "err", err)
		}
		return def
	}
	return v
}

// Float returns key parsed as a float, or def.
func (s *Store) Float(ctx context.Context, key string, def float64) float64 {
	return parsed(ctx, s, key, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

// Int returns key parsed as an int, or def.
func (s *Store) Int(ctx context.Context, key string, def int) int {
	return parsed(ctx, s, key, def, strconv.Atoi)
}

func parsed[T any](ctx context.Context, s *Store, key string, def T, parse func(string) (T, error)) T {
	raw := s.String(ctx, key, "")
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		s.logger.Warn("settings: invalid value, using default", "key", key, "value", raw, "err", err)
		return def
	}
	return v
}
