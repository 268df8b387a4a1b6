package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/italolelis/edman/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *InstrumentedRegistry {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "data", "edman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedRegistry(db, nil)
}

func TestRegistry_RegisterAndFileStates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	id, err := r.RegisterFile(ctx, "a", "/saves/docs/a.bin")
	require.NoError(t, err)
	assert.Positive(t, id)

	for i := 0; i < 2; i++ {
		states, err := r.FileStates(ctx, []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, []bool{true, false}, states)
	}

	record, err := r.GetFile(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, id, record.ID)
	assert.Equal(t, "/saves/docs/a.bin", record.Path)
	assert.False(t, record.CreatedAt.IsZero())
}

func TestRegistry_FileStatesEmptyQuery(t *testing.T) {
	states, err := newTestRegistry(t).FileStates(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.NotNil(t, states)
}

func TestRegistry_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.RegisterFile(ctx, "a", "/x")
	require.NoError(t, err)

	_, err = r.RegisterFile(ctx, "a", "/y")
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestRegistry_GetFileNotFound(t *testing.T) {
	_, err := newTestRegistry(t).GetFile(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistry_EnsureConfigPersistsDefaults(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	defaults := storage.Config{
		DownloadDirectory:    "/home/u/Downloads",
		DownloadSubdirectory: "edman",
		SaveFileDirectory:    "/srv/files",
		AllowedOrigins:       []string{"chrome-extension://abc/", "chrome-extension://def/"},
	}

	cfg, err := r.EnsureConfig(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, "edman", cfg.DownloadSubdirectory)
	assert.Equal(t, defaults.AllowedOrigins, cfg.AllowedOrigins)
	assert.Empty(t, cfg.AllowedExtensions)

	// Later defaults do not override what was stored first.
	cfg, err = r.EnsureConfig(ctx, storage.Config{DownloadSubdirectory: "other"})
	require.NoError(t, err)
	assert.Equal(t, "edman", cfg.DownloadSubdirectory)
	assert.Equal(t, "/srv/files", cfg.SaveFileDirectory)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{}, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList("a\n\nb\n"))
	assert.Equal(t, "a\nb", joinList([]string{"a", "b"}))
}
