// Package tracker follows downloads started on behalf of the extension and
// hands each finished file over to the helper exactly once.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/edman/internal/downloads"
	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/nativemsg"
	"github.com/italolelis/edman/internal/telemetry"
)

const eventsBuffer = 64

var keyReplacer = strings.NewReplacer(".", "_", "/", "_", `\`, "_")

// SanitizeKey makes a content key safe to use in a file name.
func SanitizeKey(key string) string {
	return keyReplacer.Replace(key)
}

// StagingPath is the path, relative to the download directory, a download for
// key is written to. Staging paths always use forward slashes.
func StagingPath(now time.Time, subdir, key string) string {
	name := strconv.FormatInt(now.UnixMilli(), 10) + "-" + SanitizeKey(key)
	if subdir == "" {
		return name
	}

	return path.Join(subdir, name)
}

// Helper is the part of the native helper the tracker talks to.
type Helper interface {
	Config(ctx context.Context) (*nativemsg.Config, error)
	RegisterFile(ctx context.Context, req nativemsg.RegisterFileRequest) (int64, error)
}

type state int

const (
	stateRequested state = iota
	stateRegistered
)

func (s state) String() string {
	if s == stateRegistered {
		return "registered"
	}

	return "requested"
}

// pending is a download the tracker started and has not finished handing off.
type pending struct {
	stagingPath string
	savePath    []string
	key         string

	state      state
	registryID int64
	inFlight   bool
}

// EventType names a tracker event.
type EventType string

const (
	EventHandedOff     EventType = "handed_off"
	EventHandoffFailed EventType = "handoff_failed"
	EventInterrupted   EventType = "interrupted"
)

// Event reports the outcome of a tracked download.
type Event struct {
	Type        EventType
	Handle      downloads.Handle
	Key         string
	StagingPath string
	SavePath    []string
	RegistryID  int64
	Err         error
}

// Tracker owns the handle to pending download mapping.
type Tracker struct {
	helper    Helper
	subsystem downloads.Subsystem
	telemetry *telemetry.Telemetry
	now       func() time.Time

	mu      sync.Mutex
	pending map[downloads.Handle]*pending

	// starting counts Start calls whose handle is not stored yet; started is
	// signalled whenever one of them returns.
	starting int
	started  *sync.Cond

	events chan Event
}

// New returns a Tracker starting downloads on subsystem and registering them
// with helper.
func New(helper Helper, subsystem downloads.Subsystem, tel *telemetry.Telemetry) *Tracker {
	t := &Tracker{
		helper:    helper,
		subsystem: subsystem,
		telemetry: tel,
		now:       time.Now,
		pending:   make(map[downloads.Handle]*pending),
		events:    make(chan Event, eventsBuffer),
	}
	t.started = sync.NewCond(&t.mu)

	return t
}

// Events delivers hand-off outcomes. Events are dropped when nobody keeps up.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// BeginDownload starts fetching sourceURL into a staging file and remembers
// where it has to be moved once complete.
func (t *Tracker) BeginDownload(ctx context.Context, sourceURL string, savePath []string, key string) (downloads.Handle, error) {
	logger := logctx.LoggerFromContext(ctx).With("key", key)

	cfg, err := t.helper.Config(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get helper config: %w", err)
	}

	stagingPath := StagingPath(t.now(), cfg.DownloadSubdirectory, key)

	t.mu.Lock()
	t.starting++
	t.mu.Unlock()

	h, err := t.subsystem.Start(ctx, sourceURL, stagingPath)

	t.mu.Lock()
	t.starting--

	if err == nil {
		t.pending[h] = &pending{
			stagingPath: stagingPath,
			savePath:    append([]string(nil), savePath...),
			key:         key,
		}
	}

	t.started.Broadcast()
	t.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("failed to start download: %w", err)
	}

	t.telemetry.AddTrackedDownloads(1)

	logger.InfoContext(ctx, "download started", "handle", h, "staging_path", stagingPath)

	return h, nil
}

// HandleChange acts on a state change reported by the subsystem. Only a
// transition into complete triggers the hand-off.
func (t *Tracker) HandleChange(ctx context.Context, d downloads.Delta) error {
	logger := logctx.LoggerFromContext(ctx).With("handle", d.Handle)

	if d.State != nil && d.State.Current == downloads.StateInterrupted {
		t.mu.Lock()
		p, ok := t.lookupLocked(d.Handle)
		t.mu.Unlock()

		if ok {
			logger.WarnContext(ctx, "download interrupted", "err", d.Error, "staging_path", p.stagingPath)
			t.publish(ctx, Event{Type: EventInterrupted, Handle: d.Handle, Key: p.key, StagingPath: p.stagingPath, SavePath: p.savePath})
		}

		return nil
	}

	if !d.Completed() {
		return nil
	}

	t.mu.Lock()
	p, ok := t.lookupLocked(d.Handle)

	if !ok {
		t.mu.Unlock()
		logger.DebugContext(ctx, "ignoring completion for unknown download")

		return nil
	}

	if p.inFlight {
		t.mu.Unlock()
		logger.DebugContext(ctx, "hand-off already in flight")

		return nil
	}

	p.inFlight = true
	st := p.state
	t.mu.Unlock()

	logger = logger.With("staging_path", p.stagingPath, "state", st.String())

	if st == stateRequested {
		id, err := t.helper.RegisterFile(ctx, nativemsg.RegisterFileRequest{
			DownloadPath: p.stagingPath,
			SavePath:     p.savePath,
			Key:          p.key,
		})
		if err != nil {
			t.release(d.Handle)
			t.telemetry.RecordHandoff("register", "error")
			logger.ErrorContext(ctx, "failed to register file", "err", err)
			t.publish(ctx, Event{Type: EventHandoffFailed, Handle: d.Handle, Key: p.key, StagingPath: p.stagingPath, SavePath: p.savePath, Err: err})

			return fmt.Errorf("failed to register file: %w", err)
		}

		t.telemetry.RecordHandoff("register", "success")

		t.mu.Lock()
		p.state = stateRegistered
		p.registryID = id
		t.mu.Unlock()

		logger.InfoContext(ctx, "file registered", "registry_id", id)
	}

	// An unknown handle means an earlier erase already went through.
	if err := t.subsystem.Erase(ctx, d.Handle); err != nil && !errors.Is(err, downloads.ErrUnknownHandle) {
		t.release(d.Handle)
		t.telemetry.RecordHandoff("erase", "error")
		logger.ErrorContext(ctx, "failed to erase download", "err", err)

		return fmt.Errorf("failed to erase download: %w", err)
	}

	t.telemetry.RecordHandoff("erase", "success")

	t.mu.Lock()
	delete(t.pending, d.Handle)
	registryID := p.registryID
	t.mu.Unlock()

	t.telemetry.AddTrackedDownloads(-1)

	logger.InfoContext(ctx, "download handed off", "registry_id", registryID)
	t.publish(ctx, Event{
		Type:        EventHandedOff,
		Handle:      d.Handle,
		Key:         p.key,
		StagingPath: p.stagingPath,
		SavePath:    p.savePath,
		RegistryID:  registryID,
	})

	return nil
}

// Watch feeds the subsystem's changes into HandleChange until ctx is done or
// the feed closes. Each state change is handled on its own goroutine.
func (t *Tracker) Watch(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	var wg sync.WaitGroup
	defer wg.Wait()

	changes := t.subsystem.Changes()

	for {
		select {
		case <-ctx.Done():
			logger.Info("download tracker shutdown", "reason", "context_cancelled")

			return
		case d, ok := <-changes:
			if !ok {
				logger.Info("download tracker shutdown", "reason", "feed_closed")

				return
			}

			if d.State == nil {
				continue
			}

			wg.Add(1)

			go func() {
				defer wg.Done()

				if err := t.HandleChange(ctx, d); err != nil {
					logger.WarnContext(ctx, "hand-off incomplete, waiting for a later completion", "handle", d.Handle, "err", err)
				}
			}()
		}
	}
}

// Tracked reports whether handle is still being tracked.
func (t *Tracker) Tracked(h downloads.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.pending[h]

	return ok
}

// StagingPaths returns the staging paths of every tracked download.
func (t *Tracker) StagingPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.pending))
	for _, p := range t.pending {
		paths = append(paths, p.stagingPath)
	}

	return paths
}

// Close ends the event stream. Call it after Watch has returned.
func (t *Tracker) Close() {
	close(t.events)
}

// lookupLocked finds the entry for h. A miss while downloads are being started
// waits for those starts, since the change may belong to one of them. t.mu must
// be held.
func (t *Tracker) lookupLocked(h downloads.Handle) (*pending, bool) {
	for {
		if p, ok := t.pending[h]; ok || t.starting == 0 {
			return p, ok
		}

		t.started.Wait()
	}
}

func (t *Tracker) release(h downloads.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[h]; ok {
		p.inFlight = false
	}
}

func (t *Tracker) publish(ctx context.Context, e Event) {
	select {
	case t.events <- e:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dropping tracker event", "event", string(e.Type), "handle", e.Handle)
	}
}
