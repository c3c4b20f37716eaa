// Package store persists backend records: the type, the user-supplied config
// and the adapter-managed saving state of every configured backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"clouddav/internal/storage"
)

// Backend is one configured storage backend.
type Backend struct {
	ID      int              `json:"id"`
	Name    string           `json:"name"`
	Type    string           `json:"type"`
	Enabled bool             `json:"enabled"`
	Config  storage.Settings `json:"config"`
	Saving  storage.Settings `json:"saving"`
}

// Patch is a partial update. A nil field leaves that record untouched; a
// non-nil field replaces it whole.
type Patch struct {
	Config storage.Settings
	Saving storage.Settings
}

// PatchFromDelta converts an adapter's state delta into a patch.
func PatchFromDelta(d storage.StateDelta) Patch {
	return Patch{Config: d.Config, Saving: d.Saving}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Config == nil && p.Saving == nil
}

// Store is the config store contract used by the bridge.
type Store interface {
	// GetBackend returns a wrapped storage.ErrNotFound when id is unknown.
	GetBackend(ctx context.Context, id int) (*Backend, error)
	// ListBackends returns every backend ordered by id.
	ListBackends(ctx context.Context) ([]Backend, error)
	UpdateBackend(ctx context.Context, id int, patch Patch) error
	// PutBackend creates or replaces a backend.
	PutBackend(ctx context.Context, b Backend) error
	Close() error
}

// Open creates the store named by kind ("file" or "sqlite").
func Open(ctx context.Context, kind, path string, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "file", "json":
		return NewFileStore(path)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(ctx, path, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s (supported: file, sqlite)", kind)
	}
}

// Seed inserts the backends that do not exist yet. Existing records are left
// alone so refreshed tokens are never overwritten by the static file.
func Seed(ctx context.Context, s Store, backends []Backend) (int, error) {
	added := 0
	for _, b := range backends {
		if b.ID <= 0 {
			return added, fmt.Errorf("store: backend %q: id must be positive", b.Name)
		}
		_, err := s.GetBackend(ctx, b.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return added, err
		}
		if err := s.PutBackend(ctx, b); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func notFound(id int) error {
	return fmt.Errorf("store: backend %d: %w", id, storage.ErrNotFound)
}

func normalize(b *Backend) {
	if b.Config == nil {
		b.Config = storage.Settings{}
	}
	if b.Saving == nil {
		b.Saving = storage.Settings{}
	}
}
