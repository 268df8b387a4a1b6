// Package storage defines the helper's file registry.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is returned when a file is registered under a key that is
// already taken.
var ErrDuplicateKey = errors.New("file key already registered")

// FileRecord is a file the helper has taken ownership of.
type FileRecord struct {
	ID        int64
	Key       string
	Path      string
	CreatedAt time.Time
}

// Config is the persisted helper configuration.
type Config struct {
	DownloadDirectory    string
	DownloadSubdirectory string
	SaveFileDirectory    string
	AllowedOrigins       []string
	AllowedExtensions    []string
}

// FileRepository records registered files.
type FileRepository interface {
	RegisterFile(ctx context.Context, key, path string) (int64, error)
	FileStates(ctx context.Context, keys []string) ([]bool, error)
	GetFile(ctx context.Context, key string) (*FileRecord, error)
}

// ConfigRepository reads the helper configuration, storing defaults the first
// time it is read.
type ConfigRepository interface {
	EnsureConfig(ctx context.Context, defaults Config) (*Config, error)
}
