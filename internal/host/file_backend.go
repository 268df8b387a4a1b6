package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/nativemsg"
	"github.com/italolelis/edman/internal/storage"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// InvalidSavePathError is returned for a save path that could escape the save
// directory.
type InvalidSavePathError struct {
	SavePath []string
}

func (e *InvalidSavePathError) Error() string {
	return "savePath must not contain slashes or dots."
}

// InvalidDownloadPathError is returned for a download path outside the
// download directory.
type InvalidDownloadPathError struct {
	DownloadPath string
}

func (e *InvalidDownloadPathError) Error() string {
	return fmt.Sprintf("downloadPath %q must be relative to the download directory", e.DownloadPath)
}

// DestinationExistsError is returned when the save path already names a file.
type DestinationExistsError struct {
	Path string
}

func (e *DestinationExistsError) Error() string {
	return fmt.Sprintf("%s already exists", e.Path)
}

// Registry is the storage the file backend records files in.
type Registry interface {
	RegisterFile(ctx context.Context, key, path string) (int64, error)
	FileStates(ctx context.Context, keys []string) ([]bool, error)
}

// FileBackend moves finished downloads into the save directory and records
// them in a registry.
type FileBackend struct {
	registry Registry
	cfg      storage.Config
}

func NewFileBackend(registry Registry, cfg storage.Config) *FileBackend {
	return &FileBackend{registry: registry, cfg: cfg}
}

func (b *FileBackend) Config(context.Context) (*nativemsg.Config, error) {
	return &nativemsg.Config{
		DownloadDirectory:    b.cfg.DownloadDirectory,
		DownloadSubdirectory: b.cfg.DownloadSubdirectory,
		SaveFileDirectory:    b.cfg.SaveFileDirectory,
		AllowedOrigins:       nonNil(b.cfg.AllowedOrigins),
		AllowedExtensions:    nonNil(b.cfg.AllowedExtensions),
	}, nil
}

func (b *FileBackend) FileStates(ctx context.Context, keys []string) ([]bool, error) {
	return b.registry.FileStates(ctx, keys)
}

// RegisterFile moves the download into place and records it under req.Key.
// The move is undone when the registry rejects the file.
func (b *FileBackend) RegisterFile(ctx context.Context, req nativemsg.RegisterFileRequest) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("key", req.Key)

	if err := ValidateSavePath(req.SavePath); err != nil {
		return 0, err
	}

	downloadPath := filepath.FromSlash(req.DownloadPath)
	if !filepath.IsLocal(downloadPath) {
		return 0, &InvalidDownloadPathError{DownloadPath: req.DownloadPath}
	}

	src := filepath.Join(b.cfg.DownloadDirectory, downloadPath)
	dst := filepath.Join(append([]string{b.cfg.SaveFileDirectory}, req.SavePath...)...)

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create save directory: %w", err)
	}

	if err := moveFile(src, dst); err != nil {
		return 0, fmt.Errorf("failed to move %s: %w", req.DownloadPath, err)
	}

	id, err := b.registry.RegisterFile(ctx, req.Key, strings.Join(req.SavePath, "/"))
	if err != nil {
		if undoErr := moveFile(dst, src); undoErr != nil {
			logger.ErrorContext(ctx, "failed to move file back after registry error", "err", undoErr, "file_path", dst)
		}

		return 0, fmt.Errorf("failed to register file: %w", err)
	}

	logger.InfoContext(ctx, "file registered", "registry_id", id, "file_path", dst)

	return id, nil
}

// ValidateSavePath rejects empty paths and segments holding a slash,
// a backslash or "..".
func ValidateSavePath(segments []string) error {
	if len(segments) == 0 {
		return &InvalidSavePathError{SavePath: segments}
	}

	for _, s := range segments {
		if s == "" || strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
			return &InvalidSavePathError{SavePath: segments}
		}
	}

	return nil
}

// moveFile moves src to dst without replacing an existing dst. It links first
// and copies when the filesystem cannot link across the two paths.
func moveFile(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		if err := os.Remove(src); err != nil {
			os.Remove(dst)

			return err
		}

		return nil
	}

	if errors.Is(err, fs.ErrExist) {
		return &DestinationExistsError{Path: dst}
	}

	if errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return copyAndRemove(src, dst)
}

func copyAndRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if errors.Is(err, fs.ErrExist) {
		return &DestinationExistsError{Path: dst}
	}

	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)

		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(dst)

		return err
	}

	return os.Remove(src)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}

	return items
}
