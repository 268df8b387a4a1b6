// Package httpdl is a local download subsystem that fetches URLs over HTTP
// into a download directory.
package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/edman/internal/downloads"
	"github.com/italolelis/edman/internal/downloads/progress"
	"github.com/italolelis/edman/internal/logctx"
	"golang.org/x/sync/semaphore"
)

const (
	dirPerm = 0o755

	partialSuffix    = ".part"
	progressInterval = 32 * 1024 * 1024
	changesBuffer    = 64
)

type download struct {
	url    string
	path   string
	state  downloads.State
	cancel context.CancelFunc
}

// Subsystem downloads into dir. Filenames passed to Start are relative to dir.
// Data is written to a .part file that is renamed into place on success.
type Subsystem struct {
	ctx    context.Context
	stop   context.CancelFunc
	client *http.Client
	dir    string
	sem    *semaphore.Weighted

	mu        sync.Mutex
	next      downloads.Handle
	downloads map[downloads.Handle]*download

	changes chan downloads.Delta
	wg      sync.WaitGroup
}

// New returns a Subsystem running at most maxParallel transfers at a time.
// Transfers live until ctx is done or Close is called.
func New(ctx context.Context, dir string, maxParallel int, client *http.Client) *Subsystem {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	if client == nil {
		client = http.DefaultClient
	}

	ctx, stop := context.WithCancel(ctx)

	return &Subsystem{
		ctx:       ctx,
		stop:      stop,
		client:    client,
		dir:       dir,
		sem:       semaphore.NewWeighted(int64(maxParallel)),
		downloads: make(map[downloads.Handle]*download),
		changes:   make(chan downloads.Delta, changesBuffer),
	}
}

func (s *Subsystem) Changes() <-chan downloads.Delta {
	return s.changes
}

// Start queues url for download into filename.
func (s *Subsystem) Start(ctx context.Context, url, filename string) (downloads.Handle, error) {
	if !filepath.IsLocal(filename) {
		return 0, fmt.Errorf("filename %q must be a relative path inside the download directory", filename)
	}

	if s.ctx.Err() != nil {
		return 0, fmt.Errorf("download subsystem stopped: %w", s.ctx.Err())
	}

	dctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.next++
	h := s.next
	d := &download{
		url:    url,
		path:   filepath.Join(s.dir, filename),
		state:  downloads.StateInProgress,
		cancel: cancel,
	}
	s.downloads[h] = d
	s.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("handle", h)
	logger.InfoContext(ctx, "download queued", "url", url, "file_path", d.path)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		s.run(logctx.WithLogger(dctx, logger), h, d)
	}()

	return h, nil
}

// Erase forgets h. An unfinished transfer is cancelled; a finished file stays.
func (s *Subsystem) Erase(_ context.Context, h downloads.Handle) error {
	s.mu.Lock()
	d, ok := s.downloads[h]
	delete(s.downloads, h)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", downloads.ErrUnknownHandle, h)
	}

	d.cancel()

	return nil
}

// Close cancels all transfers, waits for them and closes the change feed.
func (s *Subsystem) Close() {
	s.stop()
	s.wg.Wait()
	close(s.changes)
}

func (s *Subsystem) run(ctx context.Context, h downloads.Handle, d *download) {
	logger := logctx.LoggerFromContext(ctx)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(ctx, h, downloads.StateInterrupted, err)

		return
	}
	defer s.sem.Release(1)

	err := s.fetch(ctx, h, d)
	if err != nil {
		logger.ErrorContext(ctx, "download failed", "err", err)
		s.finish(ctx, h, downloads.StateInterrupted, err)

		return
	}

	logger.InfoContext(ctx, "download complete", "file_path", d.path)
	s.finish(ctx, h, downloads.StateComplete, nil)
}

func (s *Subsystem) fetch(ctx context.Context, h downloads.Handle, d *download) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", d.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, d.url)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	partial := d.path + partialSuffix

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	total := resp.ContentLength
	if total > 0 {
		logger.InfoContext(ctx, "downloading file", "file_path", d.path, "file_size", humanize.Bytes(uint64(total)))
	}

	pr := progress.NewReader(resp.Body, total, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
		}

		s.emit(ctx, downloads.Delta{Handle: h, BytesReceived: read, TotalBytes: total})
	})

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(partial)

		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(partial, d.path); err != nil {
		os.Remove(partial)

		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

func (s *Subsystem) finish(ctx context.Context, h downloads.Handle, state downloads.State, cause error) {
	s.mu.Lock()
	d, ok := s.downloads[h]
	if ok {
		d.state = state
	}
	s.mu.Unlock()

	// An erased download no longer reports.
	if !ok {
		return
	}

	delta := downloads.Delta{
		Handle: h,
		State:  &downloads.StateDelta{Previous: downloads.StateInProgress, Current: state},
	}

	if cause != nil {
		delta.Error = cause.Error()
	}

	s.emit(ctx, delta)
}

func (s *Subsystem) emit(ctx context.Context, delta downloads.Delta) {
	select {
	case s.changes <- delta:
	case <-s.ctx.Done():
	case <-ctx.Done():
		// A cancelled transfer still reports its final state if the consumer
		// is keeping up.
		select {
		case s.changes <- delta:
		default:
		}
	}
}
