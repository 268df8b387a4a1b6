package downloads

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/edman/internal/telemetry"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubsystem struct {
	handle   Handle
	startErr error
	erased   []Handle
	changes  chan Delta
}

func (s *stubSubsystem) Start(context.Context, string, string) (Handle, error) {
	return s.handle, s.startErr
}

func (s *stubSubsystem) Erase(_ context.Context, h Handle) error {
	s.erased = append(s.erased, h)

	return nil
}

func (s *stubSubsystem) Changes() <-chan Delta {
	return s.changes
}

func TestInstrumentedSubsystem(t *testing.T) {
	registry := promclient.NewRegistry()

	tel, err := telemetry.New(context.Background(), telemetry.Config{
		Enabled:     true,
		ServiceName: "edman-test",
		Registry:    registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	stub := &stubSubsystem{handle: 7, changes: make(chan Delta)}
	s := NewInstrumentedSubsystem(stub, tel, "http")

	h, err := s.Start(context.Background(), "http://x/y.bin", "edman/1-y_bin")
	require.NoError(t, err)
	assert.Equal(t, Handle(7), h)

	require.NoError(t, s.Erase(context.Background(), h))
	assert.Equal(t, []Handle{7}, stub.erased)
	assert.Equal(t, (<-chan Delta)(stub.changes), s.Changes())

	stub.startErr = errors.New("refused")
	_, err = s.Start(context.Background(), "http://x/z.bin", "edman/2-z_bin")
	assert.ErrorIs(t, err, stub.startErr)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "downloads_started")
	assert.Contains(t, rec.Body.String(), "subsystem_errors")
}

func TestDeltaCompleted(t *testing.T) {
	tests := []struct {
		name  string
		delta Delta
		want  bool
	}{
		{name: "progress only", delta: Delta{Handle: 1}, want: false},
		{name: "in progress to complete", delta: Delta{State: &StateDelta{Previous: StateInProgress, Current: StateComplete}}, want: true},
		{name: "complete to complete", delta: Delta{State: &StateDelta{Previous: StateComplete, Current: StateComplete}}, want: false},
		{name: "interrupted", delta: Delta{State: &StateDelta{Previous: StateInProgress, Current: StateInterrupted}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.delta.Completed())
		})
	}
}
