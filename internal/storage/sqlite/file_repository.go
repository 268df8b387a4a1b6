package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/edman/internal/storage"
	"github.com/mattn/go-sqlite3"
)

type FileRepository struct {
	db *sql.DB
}

func NewFileRepository(dbConn *sql.DB) *FileRepository {
	return &FileRepository{db: dbConn}
}

// RegisterFile stores key and path and returns the new record id.
func (r *FileRepository) RegisterFile(ctx context.Context, key, path string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO files (key, path, created_at) VALUES (?, ?, ?)`,
		key, path, time.Now().UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("%w: %s", storage.ErrDuplicateKey, key)
		}

		return 0, err
	}

	return res.LastInsertId()
}

// FileStates reports for each key whether a file is registered under it.
func (r *FileRepository) FileStates(ctx context.Context, keys []string) ([]bool, error) {
	states := make([]bool, len(keys))
	if len(keys) == 0 {
		return states, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	rows, err := r.db.QueryContext(ctx, `SELECT key FROM files WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]bool, len(keys))

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}

		known[key] = true
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, k := range keys {
		states[i] = known[k]
	}

	return states, nil
}

func (r *FileRepository) GetFile(ctx context.Context, key string) (*storage.FileRecord, error) {
	var record storage.FileRecord

	err := r.db.QueryRowContext(ctx,
		`SELECT id, key, path, created_at FROM files WHERE key = ?`, key,
	).Scan(&record.ID, &record.Key, &record.Path, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &record, nil
}
