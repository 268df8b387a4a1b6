package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/italolelis/edman/internal/storage"
)

// configID is the primary key of the single config row.
const configID = 0

type ConfigRepository struct {
	db *sql.DB
}

func NewConfigRepository(dbConn *sql.DB) *ConfigRepository {
	return &ConfigRepository{db: dbConn}
}

// EnsureConfig returns the stored configuration, writing defaults first when
// none is stored yet.
func (r *ConfigRepository) EnsureConfig(ctx context.Context, defaults storage.Config) (*storage.Config, error) {
	cfg, err := r.read(ctx)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// Another helper process may have written the row in the meantime.
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO config (id, download_directory, download_subdirectory, save_file_directory, allowed_origins, allowed_extensions)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		configID,
		defaults.DownloadDirectory,
		defaults.DownloadSubdirectory,
		defaults.SaveFileDirectory,
		joinList(defaults.AllowedOrigins),
		joinList(defaults.AllowedExtensions),
	)
	if err != nil {
		return nil, err
	}

	return r.read(ctx)
}

func (r *ConfigRepository) read(ctx context.Context) (*storage.Config, error) {
	var (
		cfg                storage.Config
		origins, extension string
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT download_directory, download_subdirectory, save_file_directory, allowed_origins, allowed_extensions
		FROM config WHERE id = ?`, configID,
	).Scan(&cfg.DownloadDirectory, &cfg.DownloadSubdirectory, &cfg.SaveFileDirectory, &origins, &extension)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	cfg.AllowedOrigins = splitList(origins)
	cfg.AllowedExtensions = splitList(extension)

	return &cfg, nil
}

// Lists are stored newline separated.
func joinList(items []string) string {
	return strings.Join(items, "\n")
}

func splitList(s string) []string {
	items := []string{}

	for _, item := range strings.Split(s, "\n") {
		if item != "" {
			items = append(items, item)
		}
	}

	return items
}
