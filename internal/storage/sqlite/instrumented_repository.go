package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/edman/internal/storage"
	"github.com/italolelis/edman/internal/telemetry"
)

// InstrumentedRegistry wraps the file and config repositories with telemetry.
type InstrumentedRegistry struct {
	files     *FileRepository
	config    *ConfigRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRegistry creates a new instrumented registry.
func NewInstrumentedRegistry(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRegistry {
	return &InstrumentedRegistry{
		files:     NewFileRepository(dbConn),
		config:    NewConfigRepository(dbConn),
		telemetry: tel,
	}
}

// RegisterFile registers a file with telemetry.
func (r *InstrumentedRegistry) RegisterFile(ctx context.Context, key, path string) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "register_file", func(ctx context.Context) error {
		var err error

		id, err = r.files.RegisterFile(ctx, key, path)

		return err
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// FileStates looks up file states with telemetry.
func (r *InstrumentedRegistry) FileStates(ctx context.Context, keys []string) ([]bool, error) {
	var states []bool

	err := r.telemetry.InstrumentDBOperation(ctx, "file_states", func(ctx context.Context) error {
		var err error

		states, err = r.files.FileStates(ctx, keys)

		return err
	})
	if err != nil {
		return nil, err
	}

	return states, nil
}

func (r *InstrumentedRegistry) GetFile(ctx context.Context, key string) (*storage.FileRecord, error) {
	var record *storage.FileRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_file", func(ctx context.Context) error {
		var err error

		record, err = r.files.GetFile(ctx, key)

		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// EnsureConfig reads the helper config with telemetry.
func (r *InstrumentedRegistry) EnsureConfig(ctx context.Context, defaults storage.Config) (*storage.Config, error) {
	var cfg *storage.Config

	err := r.telemetry.InstrumentDBOperation(ctx, "ensure_config", func(ctx context.Context) error {
		var err error

		cfg, err = r.config.EnsureConfig(ctx, defaults)

		return err
	})
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
