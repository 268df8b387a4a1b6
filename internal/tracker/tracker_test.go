package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/edman/internal/downloads"
	"github.com/italolelis/edman/internal/nativemsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHelper struct {
	mu          sync.Mutex
	subdir      string
	registered  []nativemsg.RegisterFileRequest
	registerErr error
	configCalls int
	block       chan struct{}
}

func (h *fakeHelper) Config(context.Context) (*nativemsg.Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.configCalls++

	return &nativemsg.Config{DownloadSubdirectory: h.subdir}, nil
}

func (h *fakeHelper) RegisterFile(_ context.Context, req nativemsg.RegisterFileRequest) (int64, error) {
	if h.block != nil {
		<-h.block
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.registerErr != nil {
		return 0, h.registerErr
	}

	h.registered = append(h.registered, req)

	return int64(len(h.registered)), nil
}

func (h *fakeHelper) registrations() []nativemsg.RegisterFileRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]nativemsg.RegisterFileRequest(nil), h.registered...)
}

func (h *fakeHelper) outbound() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.configCalls + len(h.registered)
}

type fakeSubsystem struct {
	mu       sync.Mutex
	next     downloads.Handle
	started  map[downloads.Handle]string
	erased   []downloads.Handle
	eraseErr error
	changes  chan downloads.Delta

	// startGate, when set, holds Start until it is closed.
	startGate chan struct{}
}

func newFakeSubsystem(next downloads.Handle) *fakeSubsystem {
	return &fakeSubsystem{
		next:    next,
		started: map[downloads.Handle]string{},
		changes: make(chan downloads.Delta, 16),
	}
}

func (s *fakeSubsystem) Start(_ context.Context, _, filename string) (downloads.Handle, error) {
	if s.startGate != nil {
		<-s.startGate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.next
	s.next++
	s.started[h] = filename

	return h, nil
}

func (s *fakeSubsystem) Erase(_ context.Context, h downloads.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eraseErr != nil {
		return s.eraseErr
	}

	s.erased = append(s.erased, h)

	return nil
}

func (s *fakeSubsystem) Changes() <-chan downloads.Delta {
	return s.changes
}

func (s *fakeSubsystem) erasedHandles() []downloads.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]downloads.Handle(nil), s.erased...)
}

func (s *fakeSubsystem) setEraseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eraseErr = err
}

func completed(h downloads.Handle) downloads.Delta {
	return downloads.Delta{
		Handle: h,
		State:  &downloads.StateDelta{Previous: downloads.StateInProgress, Current: downloads.StateComplete},
	}
}

func newTestTracker(h *fakeHelper, s *fakeSubsystem) *Tracker {
	tr := New(h, s, nil)
	tr.now = func() time.Time { return time.UnixMilli(1700000000000) }

	return tr
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"report.q4", "report_q4"},
		{"a.b.c", "a_b_c"},
		{"dir/sub\\file.txt", "dir_sub_file_txt"},
		{"plain", "plain"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeKey(tt.key))
		})
	}
}

func TestStagingPath(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	assert.Equal(t, "edman/1700000000123-report_q4", StagingPath(now, "edman", "report.q4"))
	assert.Equal(t, "1700000000123-x", StagingPath(now, "", "x"))
}

func TestTracker_HandsOffCompletedDownload(t *testing.T) {
	h := &fakeHelper{subdir: "edman"}
	s := newFakeSubsystem(7)
	tr := newTestTracker(h, s)

	handle, err := tr.BeginDownload(context.Background(), "http://x/y.bin", []string{"docs", "y.bin"}, "report.q4")
	require.NoError(t, err)
	assert.Equal(t, downloads.Handle(7), handle)
	assert.Equal(t, "edman/1700000000000-report_q4", s.started[7])
	assert.True(t, tr.Tracked(7))

	require.NoError(t, tr.HandleChange(context.Background(), completed(7)))

	regs := h.registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, nativemsg.RegisterFileRequest{
		DownloadPath: "edman/1700000000000-report_q4",
		SavePath:     []string{"docs", "y.bin"},
		Key:          "report.q4",
	}, regs[0])

	assert.Equal(t, []downloads.Handle{7}, s.erasedHandles())
	assert.False(t, tr.Tracked(7))

	e := <-tr.Events()
	assert.Equal(t, EventHandedOff, e.Type)
	assert.Equal(t, int64(1), e.RegistryID)
}

func TestTracker_DuplicateCompletionIsIgnored(t *testing.T) {
	h := &fakeHelper{}
	s := newFakeSubsystem(1)
	tr := newTestTracker(h, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)

	require.NoError(t, tr.HandleChange(context.Background(), completed(1)))
	require.NoError(t, tr.HandleChange(context.Background(), completed(1)))

	assert.Len(t, h.registrations(), 1)
	assert.Len(t, s.erasedHandles(), 1)
}

func TestTracker_ConcurrentDuplicateCompletionRegistersOnce(t *testing.T) {
	h := &fakeHelper{block: make(chan struct{})}
	s := newFakeSubsystem(1)
	tr := newTestTracker(h, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- tr.HandleChange(context.Background(), completed(1)) }()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()

		return tr.pending[1].inFlight
	}, time.Second, time.Millisecond)

	require.NoError(t, tr.HandleChange(context.Background(), completed(1)))

	close(h.block)
	require.NoError(t, <-done)

	assert.Len(t, h.registrations(), 1)
}

func TestTracker_OrphanCompletionSendsNothing(t *testing.T) {
	h := &fakeHelper{}
	s := newFakeSubsystem(1)
	tr := newTestTracker(h, s)

	require.NoError(t, tr.HandleChange(context.Background(), completed(99)))

	assert.Zero(t, h.outbound())
	assert.Empty(t, s.erasedHandles())
}

func TestTracker_IgnoresNonCompletingChanges(t *testing.T) {
	h := &fakeHelper{}
	s := newFakeSubsystem(1)
	tr := newTestTracker(h, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)

	changes := []downloads.Delta{
		{Handle: 1, BytesReceived: 10},
		{Handle: 1, State: &downloads.StateDelta{Previous: downloads.StateComplete, Current: downloads.StateComplete}},
		{Handle: 1, State: &downloads.StateDelta{Previous: downloads.StateInterrupted, Current: downloads.StateInProgress}},
	}

	for _, d := range changes {
		require.NoError(t, tr.HandleChange(context.Background(), d))
	}

	assert.Empty(t, h.registrations())
	assert.True(t, tr.Tracked(1))
}

func TestTracker_FailedRegisterIsRetried(t *testing.T) {
	h := &fakeHelper{registerErr: errors.New("savePath must not contain slashes or dots.")}
	s := newFakeSubsystem(1)
	tr := newTestTracker(h, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)

	require.Error(t, tr.HandleChange(context.Background(), completed(1)))
	assert.True(t, tr.Tracked(1))
	assert.Empty(t, s.erasedHandles())

	e := <-tr.Events()
	assert.Equal(t, EventHandoffFailed, e.Type)
	assert.Error(t, e.Err)

	h.mu.Lock()
	h.registerErr = nil
	h.mu.Unlock()

	require.NoError(t, tr.HandleChange(context.Background(), completed(1)))
	assert.Len(t, h.registrations(), 1)
	assert.False(t, tr.Tracked(1))
}

func TestTracker_FailedEraseRetriesOnlyErase(t *testing.T) {
	h := &fakeHelper{}
	s := newFakeSubsystem(1)
	tr := newTestTracker(h, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)

	s.setEraseErr(errors.New("cancel_transfer: HTTP 503"))

	require.Error(t, tr.HandleChange(context.Background(), completed(1)))
	assert.True(t, tr.Tracked(1))
	assert.Len(t, h.registrations(), 1)

	s.setEraseErr(nil)

	require.NoError(t, tr.HandleChange(context.Background(), completed(1)))
	assert.Len(t, h.registrations(), 1)
	assert.Equal(t, []downloads.Handle{1}, s.erasedHandles())
	assert.False(t, tr.Tracked(1))
}

func TestTracker_EraseOfUnknownHandleCountsAsErased(t *testing.T) {
	h := &fakeHelper{}
	s := newFakeSubsystem(1)
	tr := newTestTracker(h, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)

	s.setEraseErr(downloads.ErrUnknownHandle)

	require.NoError(t, tr.HandleChange(context.Background(), completed(1)))
	assert.Len(t, h.registrations(), 1)
	assert.False(t, tr.Tracked(1))

	e := <-tr.Events()
	assert.Equal(t, EventHandedOff, e.Type)
}

func TestTracker_SlowStartDoesNotBlockLookups(t *testing.T) {
	h := &fakeHelper{}
	s := newFakeSubsystem(4)
	s.startGate = make(chan struct{})
	tr := newTestTracker(h, s)

	begun := make(chan error, 1)

	go func() {
		_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
		begun <- err
	}()

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()

		return tr.starting == 1
	}, time.Second, time.Millisecond)

	assert.False(t, tr.Tracked(4))
	assert.Empty(t, tr.StagingPaths())

	// A completion racing the start waits for the handle to be stored.
	handled := make(chan error, 1)

	go func() { handled <- tr.HandleChange(context.Background(), completed(4)) }()

	select {
	case err := <-handled:
		t.Fatalf("completion handled before the start returned: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(s.startGate)

	require.NoError(t, <-begun)
	require.NoError(t, <-handled)

	assert.Len(t, h.registrations(), 1)
	assert.Equal(t, []downloads.Handle{4}, s.erasedHandles())
	assert.False(t, tr.Tracked(4))
}

func TestTracker_InterruptedEmitsEvent(t *testing.T) {
	s := newFakeSubsystem(3)
	tr := newTestTracker(&fakeHelper{}, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)

	require.NoError(t, tr.HandleChange(context.Background(), downloads.Delta{
		Handle: 3,
		State:  &downloads.StateDelta{Previous: downloads.StateInProgress, Current: downloads.StateInterrupted},
		Error:  "NETWORK_FAILED",
	}))

	e := <-tr.Events()
	assert.Equal(t, EventInterrupted, e.Type)
	assert.True(t, tr.Tracked(3))
}

func TestTracker_WatchConsumesChanges(t *testing.T) {
	h := &fakeHelper{}
	s := newFakeSubsystem(5)
	tr := newTestTracker(h, s)

	_, err := tr.BeginDownload(context.Background(), "http://x", []string{"a"}, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"1700000000000-k"}, tr.StagingPaths())

	ctx, cancel := context.WithCancel(context.Background())
	watched := make(chan struct{})

	go func() {
		tr.Watch(ctx)
		close(watched)
	}()

	s.changes <- downloads.Delta{Handle: 5, BytesReceived: 1}
	s.changes <- completed(5)

	require.Eventually(t, func() bool { return !tr.Tracked(5) }, time.Second, 5*time.Millisecond)

	cancel()
	<-watched

	assert.Len(t, h.registrations(), 1)
	assert.Empty(t, tr.StagingPaths())
}
