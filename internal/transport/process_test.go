package transport

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/edman/internal/manifest"
	"github.com/italolelis/edman/internal/nativemsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cat echoes every frame back, which is enough to exercise the stdio plumbing.
func catPath(t *testing.T) string {
	t.Helper()

	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat is not available")
	}

	return path
}

func TestProcessDialer_ResolvesManifestAndSpeaksStdio(t *testing.T) {
	dir := t.TempDir()

	_, err := manifest.Install(dir, manifest.New(manifest.Chromium, "io.github.italolelis.edman", catPath(t), nil, nil))
	require.NoError(t, err)

	d := &ProcessDialer{
		HostName:     "io.github.italolelis.edman",
		ManifestDirs: []string{dir},
		StopTimeout:  time.Second,
	}

	rwc, err := d.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, nativemsg.NewWriter(rwc, 0).Write(&nativemsg.Envelope{Type: nativemsg.KindConfig, ID: "1"}))

	env, err := nativemsg.NewReader(rwc, 0).Read()
	require.NoError(t, err)
	assert.Equal(t, nativemsg.KindConfig, env.Type)
	assert.Equal(t, "1", env.ID)

	require.NoError(t, rwc.Close())
}

func TestProcessDialer_MissingManifest(t *testing.T) {
	d := &ProcessDialer{
		HostName:     "io.github.italolelis.edman",
		ManifestDirs: []string{filepath.Join(t.TempDir(), "absent")},
	}

	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestProcessDialer_ChannelReconnectsAfterHelperExit(t *testing.T) {
	received := make(chan *nativemsg.Envelope, 4)

	ch := NewChannel(&ProcessDialer{Path: catPath(t), StopTimeout: time.Second}, func(env *nativemsg.Envelope) {
		received <- env
	})
	t.Cleanup(func() { ch.Close() })

	conn, err := ch.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Send(&nativemsg.Envelope{Type: nativemsg.KindConfig, ID: "a"}))

	select {
	case env := <-received:
		assert.Equal(t, "a", env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("echo was not received")
	}

	ch.Invalidate(conn, nil)

	conn, err = ch.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Send(&nativemsg.Envelope{Type: nativemsg.KindConfig, ID: "b"}))

	select {
	case env := <-received:
		assert.Equal(t, "b", env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("echo was not received after reconnect")
	}
}
