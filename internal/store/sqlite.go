package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"clouddav/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps backends in one table; config and saving are JSON text.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

type backendRow struct {
	ID      int    `db:"id"`
	Name    string `db:"name"`
	Type    string `db:"type"`
	Enabled bool   `db:"enabled"`
	Config  string `db:"config"`
	Saving  string `db:"saving"`
}

func (r *backendRow) backend() (*Backend, error) {
	b := &Backend{ID: r.ID, Name: r.Name, Type: r.Type, Enabled: r.Enabled}
	if err := json.Unmarshal([]byte(r.Config), &b.Config); err != nil {
		return nil, fmt.Errorf("store: backend %d config: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Saving), &b.Saving); err != nil {
		return nil, fmt.Errorf("store: backend %d saving: %w", r.ID, err)
	}
	normalize(b)
	return b, nil
}

func encode(s storage.Settings) (string, error) {
	if s == nil {
		s = storage.Settings{}
	}
	data, err := json.Marshal(s)
	return string(data), err
}

// NewSQLiteStore opens the database at dbPath and applies pending migrations.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database at %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db.DB, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
	return nil
}

const selectBackend = `SELECT id, name, type, enabled, config, saving FROM backends`

func (s *SQLiteStore) GetBackend(ctx context.Context, id int) (*Backend, error) {
	var row backendRow
	err := s.db.GetContext(ctx, &row, selectBackend+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return row.backend()
}

func (s *SQLiteStore) ListBackends(ctx context.Context) ([]Backend, error) {
	var rows []backendRow
	if err := s.db.SelectContext(ctx, &rows, selectBackend+" ORDER BY id"); err != nil {
		return nil, err
	}
	out := make([]Backend, 0, len(rows))
	for i := range rows {
		b, err := rows[i].backend()
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// UpdateBackend writes only the non-nil slices of patch in one transaction.
func (s *SQLiteStore) UpdateBackend(ctx context.Context, id int, patch Patch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(1) FROM backends WHERE id = ?", id); err != nil {
		return err
	}
	if exists == 0 {
		return notFound(id)
	}

	for column, value := range map[string]storage.Settings{"config": patch.Config, "saving": patch.Saving} {
		if value == nil {
			continue
		}
		text, err := encode(value)
		if err != nil {
			return err
		}
		query := "UPDATE backends SET " + column + " = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?"
		if _, err := tx.ExecContext(ctx, query, text, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutBackend(ctx context.Context, b Backend) error {
	if b.ID <= 0 {
		return fmt.Errorf("store: invalid backend id %d", b.ID)
	}
	row := backendRow{ID: b.ID, Name: b.Name, Type: b.Type, Enabled: b.Enabled}
	var err error
	if row.Config, err = encode(b.Config); err != nil {
		return err
	}
	if row.Saving, err = encode(b.Saving); err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
	INSERT INTO backends (id, name, type, enabled, config, saving)
	VALUES (:id, :name, :type, :enabled, :config, :saving)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		enabled = excluded.enabled,
		config = excluded.config,
		saving = excluded.saving,
		updated_at = CURRENT_TIMESTAMP
	`, row)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
