package profile_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitcoach/coach/internal/coach/profile"
	"github.com/fitcoach/coach/internal/coach/store"
)

func TestSQLiteProvider(t *testing.T) {
	ctx := context.Background()
	db, err := store.New(filepath.Join(t.TempDir(), "coach.db"))
	require.NoError(t, err)
	defer db.Close()

	p := profile.NewSQLiteProvider(db.DB(), "", nil)

	got, err := p.Summary(ctx, "alice")
	assert.Error(t, err)
	assert.Equal(t, profile.DefaultSummary, got, "missing profile falls back")

	require.NoError(t, p.Upsert(ctx, "alice", "32yo, intermediate lifter, goal: first pull-up."))
	got, err = p.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "32yo, intermediate lifter, goal: first pull-up.", got)

	require.NoError(t, p.Upsert(ctx, "alice", "   "))
	got, err = p.Summary(ctx, "alice")
	assert.Error(t, err)
	assert.Equal(t, profile.DefaultSummary, got)
}

func TestSQLiteProvider_ClosedDatabase(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "coach.db"))
	require.NoError(t, err)
	p := profile.NewSQLiteProvider(db.DB(), "custom fallback", nil)
	require.NoError(t, db.Close())

	got, err := p.Summary(context.Background(), "alice")
	assert.Error(t, err)
	assert.Equal(t, "custom fallback", got)
}

func TestStatic(t *testing.T) {
	got, err := profile.Static("coach persona").Summary(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, "coach persona", got)
}
