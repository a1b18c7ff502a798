// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meschain/syncrelay/internal/storage"
)

// NewStore opens a migrated SQLite database under t.TempDir().
func NewStore(t *testing.T) *storage.SQLStorage {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

// Logger returns a logger that discards everything unless -v is set.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	if testing.Verbose() {
		return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	}
	return zerolog.New(io.Discard)
}
