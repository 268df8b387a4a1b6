// Package transport owns the duplex connection to the helper process and
// re-establishes it lazily after the helper goes away.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/nativemsg"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("transport: channel closed")

// Dialer opens a raw duplex stream to the helper.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f DialFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// MessageHandler receives every envelope read from the live connection.
type MessageHandler func(env *nativemsg.Envelope)

// Channel holds at most one live connection. Acquire creates one on demand,
// a disconnect clears it, and the next Acquire dials again.
type Channel struct {
	dialer    Dialer
	onMessage MessageHandler

	// OnConnect and OnDisconnect are optional hooks for instrumentation.
	OnConnect    func()
	OnDisconnect func(err error)

	mu     sync.Mutex
	conn   *Conn
	closed bool
}

// NewChannel returns a Channel that delivers inbound envelopes to onMessage.
func NewChannel(d Dialer, onMessage MessageHandler) *Channel {
	return &Channel{
		dialer:    d,
		onMessage: onMessage,
	}
}

// Acquire returns the live connection, dialing the helper if there is none.
func (ch *Channel) Acquire(ctx context.Context) (*Conn, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, ErrClosed
	}

	if ch.conn != nil {
		return ch.conn, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	rwc, err := ch.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to helper: %w", err)
	}

	conn := newConn(rwc, logger)
	conn.onMessage = ch.onMessage
	conn.onDisconnect = ch.disconnected
	ch.conn = conn

	go conn.readLoop()

	logger.Debug("connected to helper")

	if ch.OnConnect != nil {
		ch.OnConnect()
	}

	return conn, nil
}

// Connected reports whether a live connection is held.
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.conn != nil
}

// Invalidate tears down c after a failed write so the next Acquire dials a
// fresh connection. It is a no-op for a connection that is already gone.
func (ch *Channel) Invalidate(c *Conn, cause error) {
	c.teardown(cause)
}

// Close tears down the live connection and refuses further Acquire calls.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	conn := ch.conn
	ch.mu.Unlock()

	if conn != nil {
		conn.teardown(ErrClosed)
	}

	return nil
}

func (ch *Channel) disconnected(c *Conn, err error) {
	ch.mu.Lock()
	if ch.conn == c {
		ch.conn = nil
	}
	ch.mu.Unlock()

	c.logger.Debug("helper disconnected", "err", err)

	if ch.OnDisconnect != nil {
		ch.OnDisconnect(err)
	}
}

// Conn is one connection instance. Its observers are detached when it is torn
// down, so a stale connection never reaches the Channel again.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *nativemsg.Reader
	writer *nativemsg.Writer
	logger *slog.Logger

	mu           sync.Mutex
	onMessage    MessageHandler
	onDisconnect func(*Conn, error)

	once sync.Once
	done chan struct{}
}

func newConn(rwc io.ReadWriteCloser, logger *slog.Logger) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: nativemsg.NewReader(rwc, nativemsg.MaxInboundSize),
		writer: nativemsg.NewWriter(rwc, nativemsg.MaxInboundSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send writes env to the helper.
func (c *Conn) Send(env *nativemsg.Envelope) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}

	return c.writer.Write(env)
}

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop() {
	for {
		env, err := c.reader.Read()
		if err != nil {
			var decodeErr *nativemsg.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warn("dropping undecodable message from helper", "err", err)

				continue
			}

			c.teardown(err)

			return
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()

		if handler == nil {
			return
		}

		handler(env)
	}
}

func (c *Conn) teardown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		notify := c.onDisconnect
		c.onMessage = nil
		c.onDisconnect = nil
		c.mu.Unlock()

		close(c.done)

		if err := c.rwc.Close(); err != nil {
			c.logger.Debug("failed to close helper stream", "err", err)
		}

		if notify != nil {
			notify(c, cause)
		}
	})
}
