package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/manifest"
)

const defaultStopTimeout = 5 * time.Second

// ProcessDialer launches the helper the way a browser does: the executable is
// resolved from the host manifest registered under HostName and started with
// the caller origin as its only argument. The helper speaks over its stdio.
type ProcessDialer struct {
	HostName     string
	ManifestDirs []string
	// Path skips the manifest lookup when set.
	Path        string
	Origin      string
	StopTimeout time.Duration
}

func (d *ProcessDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	logger := logctx.LoggerFromContext(ctx)

	path := d.Path
	if path == "" {
		m, err := manifest.Lookup(d.HostName, d.ManifestDirs)
		if err != nil {
			return nil, err
		}

		path = m.Path
	}

	args := []string{}
	if d.Origin != "" {
		args = append(args, d.Origin)
	}

	// The helper outlives the call that happened to spawn it, so it is not
	// bound to ctx.
	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// Wait closes pipes created by StdoutPipe as soon as the process exits,
	// which could drop the helper's last replies. Own the read end instead.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		stdout.Close()
		pw.Close()

		return nil, fmt.Errorf("failed to start helper %s: %w", path, err)
	}

	pw.Close()

	logger.Info("helper process started", "path", path, "pid", cmd.Process.Pid)

	timeout := d.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	p := &process{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		timeout: timeout,
		exited:  make(chan struct{}),
	}

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	timeout time.Duration

	exited  chan struct{}
	waitErr error
}

func (p *process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes the helper's stdin, which a well-behaved host treats as a
// request to exit, and kills it if it has not exited within the timeout.
func (p *process) Close() error {
	stdinErr := p.stdin.Close()

	select {
	case <-p.exited:
	case <-time.After(p.timeout):
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill helper: %w", err)
		}

		<-p.exited
	}

	stdoutErr := p.stdout.Close()

	if stdinErr != nil && !errors.Is(stdinErr, os.ErrClosed) {
		return stdinErr
	}

	if stdoutErr != nil && !errors.Is(stdoutErr, os.ErrClosed) {
		return stdoutErr
	}

	return nil
}
