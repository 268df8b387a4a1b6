// Package putio is a download subsystem that lets Put.io fetch the URL and then
// pulls the finished file into the local download directory.
package putio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/edman/internal/downloads"
	"github.com/italolelis/edman/internal/downloads/progress"
	"github.com/italolelis/edman/internal/logctx"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

const (
	dirPerm = 0o755

	partialSuffix    = ".part"
	progressInterval = 32 * 1024 * 1024
	changesBuffer    = 64

	defaultPollingInterval = 10 * time.Second
)

type phase int

const (
	phaseRemote phase = iota
	phaseFetching
	phaseDone
)

type transfer struct {
	path  string
	phase phase
	// state is the outcome reported once phase is phaseDone.
	state downloads.State
}

// Config configures a Subsystem.
type Config struct {
	// Token is the Put.io OAuth token.
	Token string
	// ParentID is the Put.io folder transfers are saved into. Zero is the root.
	ParentID int64
	// Dir is the local directory finished files are written under.
	Dir             string
	PollingInterval time.Duration
	// HTTPClient fetches finished files. It does not carry the OAuth token.
	HTTPClient *http.Client
}

// Subsystem tracks Put.io transfers it started and reports their progress.
type Subsystem struct {
	api    *putio.Client
	http   *http.Client
	cfg    Config
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once

	mu        sync.Mutex
	transfers map[downloads.Handle]*transfer

	changes chan downloads.Delta
}

// New returns a Subsystem authenticated with cfg.Token.
func New(ctx context.Context, cfg Config) *Subsystem {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return newSubsystem(ctx, putio.NewClient(oauthClient), cfg)
}

func newSubsystem(ctx context.Context, api *putio.Client, cfg Config) *Subsystem {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaultPollingInterval
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	ctx, stop := context.WithCancel(ctx)

	s := &Subsystem{
		api:       api,
		http:      cfg.HTTPClient,
		cfg:       cfg,
		ctx:       ctx,
		stop:      stop,
		transfers: make(map[downloads.Handle]*transfer),
		changes:   make(chan downloads.Delta, changesBuffer),
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.poll(ctx)
	}()

	return s
}

// Authenticate checks the token against the account endpoint.
func (s *Subsystem) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := s.api.Account.Info(ctx)
	if err != nil {
		return classify("account_info", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

func (s *Subsystem) Changes() <-chan downloads.Delta {
	return s.changes
}

// Start adds url as a Put.io transfer. The handle is the transfer id.
func (s *Subsystem) Start(ctx context.Context, url, filename string) (downloads.Handle, error) {
	if !filepath.IsLocal(filename) {
		return 0, fmt.Errorf("filename %q must be a relative path inside the download directory", filename)
	}

	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "adding transfer to Put.io", "transfer_url", url)

	t, err := s.api.Transfers.Add(ctx, url, s.cfg.ParentID, "")
	if err != nil {
		return 0, classify("add_transfer", err)
	}

	h := downloads.Handle(t.ID)

	s.mu.Lock()
	s.transfers[h] = &transfer{path: filepath.Join(s.cfg.Dir, filename)}
	s.mu.Unlock()

	logger.InfoContext(ctx, "transfer added to Put.io", "transfer_id", t.ID, "transfer_name", t.Name)

	return h, nil
}

// Erase cancels the Put.io transfer and forgets it locally. The transfer is
// kept when the cancel fails so a later Erase can retry it.
func (s *Subsystem) Erase(ctx context.Context, h downloads.Handle) error {
	s.mu.Lock()
	_, ok := s.transfers[h]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", downloads.ErrUnknownHandle, h)
	}

	if err := s.api.Transfers.Cancel(ctx, int64(h)); err != nil {
		return classify("cancel_transfer", err)
	}

	s.mu.Lock()
	delete(s.transfers, h)
	s.mu.Unlock()

	return nil
}

// Close stops polling, waits for running fetches and closes the change feed.
func (s *Subsystem) Close() {
	s.closed.Do(func() {
		s.stop()
		s.wg.Wait()
		close(s.changes)
	})
}

func (s *Subsystem) poll(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("put.io poller panic",
				"operation", "poll_transfers",
				"panic", r,
				"stack", string(debug.Stack()))

			if ctx.Err() == nil {
				logger.Info("restarting put.io poller after panic", "operation", "poll_transfers")
				time.Sleep(time.Second)

				s.wg.Add(1)

				go func() {
					defer s.wg.Done()

					s.poll(ctx)
				}()
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("put.io poller shutdown", "operation", "poll_transfers", "reason", "context_cancelled")

			return
		case <-ticker.C:
			s.watchTransfers(ctx)
		}
	}
}

func (s *Subsystem) watchTransfers(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	remote := make([]downloads.Handle, 0, len(s.transfers))

	var unerased []downloads.Handle

	for h, t := range s.transfers {
		switch {
		case t.phase == phaseRemote:
			remote = append(remote, h)
		case t.phase == phaseDone && t.state == downloads.StateComplete:
			unerased = append(unerased, h)
		}
	}
	s.mu.Unlock()

	// Finished transfers that were not erased yet are announced again so the
	// consumer can retry its hand-off.
	for _, h := range unerased {
		s.emit(ctx, downloads.Delta{
			Handle: h,
			State:  &downloads.StateDelta{Previous: downloads.StateInProgress, Current: downloads.StateComplete},
		})
	}

	for _, h := range remote {
		t, err := s.api.Transfers.Get(ctx, int64(h))
		if err != nil {
			logger.ErrorContext(ctx, "failed to get transfer", "transfer_id", int64(h), "err", classify("get_transfer", err))

			continue
		}

		switch strings.ToUpper(t.Status) {
		case "ERROR":
			s.finish(ctx, h, downloads.StateInterrupted, errors.New(t.ErrorMessage))
		case "COMPLETED", "SEEDING":
			if t.FileID == 0 {
				continue
			}

			s.fetchInBackground(ctx, h, t.FileID)
		default:
			s.emit(ctx, downloads.Delta{Handle: h, BytesReceived: t.Downloaded, TotalBytes: int64(t.Size)})
		}
	}
}

func (s *Subsystem) fetchInBackground(ctx context.Context, h downloads.Handle, fileID int64) {
	s.mu.Lock()
	t, ok := s.transfers[h]
	if !ok || t.phase != phaseRemote {
		s.mu.Unlock()

		return
	}

	t.phase = phaseFetching
	path := t.path
	s.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx).With("transfer_id", int64(h), "file_id", fileID)
	ctx = logctx.WithLogger(ctx, logger)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.fetch(ctx, h, fileID, path); err != nil {
			logger.ErrorContext(ctx, "failed to fetch finished transfer", "err", err)
			s.finish(ctx, h, downloads.StateInterrupted, err)

			return
		}

		logger.InfoContext(ctx, "transfer fetched", "file_path", path)
		s.finish(ctx, h, downloads.StateComplete, nil)
	}()
}

func (s *Subsystem) fetch(ctx context.Context, h downloads.Handle, fileID int64, path string) error {
	logger := logctx.LoggerFromContext(ctx)

	url, err := s.api.Files.URL(ctx, fileID, false)
	if err != nil {
		return classify("file_url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return &NetworkError{Operation: "grab_file", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Operation: "grab_file", StatusCode: resp.StatusCode, APIMessage: resp.Status}
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	partial := path + partialSuffix

	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	pr := progress.NewReader(resp.Body, resp.ContentLength, progressInterval, func(read, total int64) {
		logger.DebugContext(ctx, "fetch progress", "downloaded", humanize.Bytes(uint64(read)))
		s.emit(ctx, downloads.Delta{Handle: h, BytesReceived: read, TotalBytes: total})
	})

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(partial)

		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)

		return fmt.Errorf("failed to move file into place: %w", err)
	}

	return nil
}

func (s *Subsystem) finish(ctx context.Context, h downloads.Handle, state downloads.State, cause error) {
	s.mu.Lock()
	t, ok := s.transfers[h]
	if ok {
		t.phase = phaseDone
		t.state = state
	}
	s.mu.Unlock()

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
	case <-ctx.Done():
	}
}
