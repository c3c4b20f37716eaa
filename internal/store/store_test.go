package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clouddav/internal/storage"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "backends"))
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "db", "clouddav.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func sample(id int) Backend {
	return Backend{
		ID:      id,
		Name:    "drive",
		Type:    "onedrive",
		Enabled: true,
		Config:  storage.Settings{"client_id": "cid", "refresh_token": "rt", "chunk_size": 10},
		Saving:  storage.Settings{"access_token": "at"},
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetBackend(ctx, 1)
			assert.ErrorIs(t, err, storage.ErrNotFound)
			assert.ErrorIs(t, s.UpdateBackend(ctx, 1, Patch{Saving: storage.Settings{}}), storage.ErrNotFound)

			require.NoError(t, s.PutBackend(ctx, sample(2)))
			require.NoError(t, s.PutBackend(ctx, Backend{ID: 1, Type: "s3"}))

			got, err := s.GetBackend(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, "onedrive", got.Type)
			assert.True(t, got.Enabled)
			assert.Equal(t, "rt", got.Config.String("refresh_token"))
			assert.Equal(t, 10, got.Config.Int("chunk_size", 0))

			list, err := s.ListBackends(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, 1, list[0].ID)
			assert.NotNil(t, list[0].Config)
			assert.NotNil(t, list[0].Saving)

			// saving only: config must survive
			require.NoError(t, s.UpdateBackend(ctx, 2, Patch{Saving: storage.Settings{"access_token": "at2", "drive_id": "d1"}}))
			got, err = s.GetBackend(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, "rt", got.Config.String("refresh_token"))
			assert.Equal(t, "at2", got.Saving.String("access_token"))
			assert.Equal(t, "d1", got.Saving.String("drive_id"))

			// config only
			require.NoError(t, s.UpdateBackend(ctx, 2, Patch{Config: storage.Settings{"client_id": "cid", "refresh_token": "rt2"}}))
			got, err = s.GetBackend(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, "rt2", got.Config.String("refresh_token"))
			assert.Equal(t, "at2", got.Saving.String("access_token"))

			require.NoError(t, s.UpdateBackend(ctx, 2, Patch{}))
		})
	}
}

func TestSeed_KeepsExistingState(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.PutBackend(ctx, sample(1)))
			require.NoError(t, s.UpdateBackend(ctx, 1, Patch{Config: storage.Settings{"refresh_token": "rotated"}}))

			added, err := Seed(ctx, s, []Backend{sample(1), sample(3)})
			require.NoError(t, err)
			assert.Equal(t, 1, added)

			got, err := s.GetBackend(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "rotated", got.Config.String("refresh_token"))

			_, err = s.GetBackend(ctx, 3)
			assert.NoError(t, err)

			_, err = Seed(ctx, s, []Backend{{Name: "zero"}})
			assert.Error(t, err)
		})
	}
}

func TestFileStore_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))
	require.NoError(t, s.PutBackend(context.Background(), sample(7)))

	list, err := s.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 7, list[0].ID)
	assert.FileExists(t, filepath.Join(dir, markerFile))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "a.db"), nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "", t.TempDir(), nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, "postgres", "x", nil)
	assert.Error(t, err)
}
