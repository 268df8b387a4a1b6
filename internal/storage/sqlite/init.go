package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS config (
		id INTEGER PRIMARY KEY,
		download_directory TEXT NOT NULL,
		download_subdirectory TEXT NOT NULL,
		save_file_directory TEXT NOT NULL,
		allowed_origins TEXT NOT NULL DEFAULT '',
		allowed_extensions TEXT NOT NULL DEFAULT ''
	)`,
}

// InitDB opens the registry database at path and creates its tables if they
// don't exist.
func InitDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}
