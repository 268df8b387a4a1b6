// Package native multiplexes request/response calls to the helper process over
// a single channel.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/nativemsg"
	"github.com/italolelis/edman/internal/telemetry"
	"github.com/italolelis/edman/internal/transport"
)

// Client correlates replies to calls by id. Any number of calls may be
// outstanding; each completes when the reply carrying its id arrives,
// whatever the order.
//
// Calls have no built-in deadline and are not failed when the helper goes
// away. Bound a call with its context.
type Client struct {
	channel   *transport.Channel
	telemetry *telemetry.Telemetry

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *nativemsg.Envelope
}

// NewClient returns a Client that reaches the helper through d.
func NewClient(d transport.Dialer, tel *telemetry.Telemetry) *Client {
	c := &Client{
		telemetry: tel,
		pending:   make(map[string]chan *nativemsg.Envelope),
	}

	c.channel = transport.NewChannel(d, c.dispatch)
	c.channel.OnConnect = tel.RecordHelperConnect
	c.channel.OnDisconnect = func(error) { tel.RecordHelperDisconnect() }

	return c
}

// Close shuts the channel down. Pending calls are left to their contexts.
func (c *Client) Close() error {
	return c.channel.Close()
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Call sends a kind request carrying payload and waits for its reply. It
// returns the reply data when the reply has the requested kind, a
// *HelperError for an err reply and a *ProtocolMismatchError otherwise.
func (c *Client) Call(ctx context.Context, kind nativemsg.Kind, payload any) (json.RawMessage, error) {
	env, err := nativemsg.NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}

	env.ID = strconv.FormatUint(c.nextID.Add(1), 10)
	ctx = logctx.WithCallID(ctx, env.ID)

	var data json.RawMessage

	err = c.telemetry.InstrumentNativeCall(ctx, string(kind), func(ctx context.Context) error {
		reply, err := c.roundTrip(ctx, env)
		if err != nil {
			return err
		}

		data, err = resolve(kind, reply)

		return err
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (c *Client) roundTrip(ctx context.Context, env *nativemsg.Envelope) (*nativemsg.Envelope, error) {
	logger := logctx.LoggerFromContext(ctx)

	// Register before sending so a fast reply always finds its resolver.
	resolver := make(chan *nativemsg.Envelope, 1)

	c.mu.Lock()
	c.pending[env.ID] = resolver
	c.mu.Unlock()

	if err := c.send(ctx, env); err != nil {
		c.forget(env.ID)

		return nil, err
	}

	logger.DebugContext(ctx, "sent helper request", "kind", env.Type)

	select {
	case reply := <-resolver:
		return reply, nil
	case <-ctx.Done():
		c.forget(env.ID)

		return nil, ctx.Err()
	}
}

// send writes env on the live connection. A write failure drops that
// connection and the write is retried once on a fresh one. Records the writer
// refuses before touching the stream leave the connection alone.
func (c *Client) send(ctx context.Context, env *nativemsg.Envelope) error {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		conn, err := c.channel.Acquire(ctx)
		if err != nil {
			return &TransportError{Operation: "connect", Err: err}
		}

		if lastErr = conn.Send(env); lastErr == nil {
			return nil
		}

		var tooLarge *nativemsg.FrameTooLargeError
		if errors.As(lastErr, &tooLarge) {
			return lastErr
		}

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "helper write failed, reconnecting", "err", lastErr)

		c.channel.Invalidate(conn, lastErr)
	}

	return &TransportError{Operation: "send", Err: lastErr}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dispatch routes an inbound envelope to the call waiting on its id. Replies
// without an id, or whose call is already resolved, are dropped.
func (c *Client) dispatch(env *nativemsg.Envelope) {
	if env.ID == "" {
		return
	}

	c.mu.Lock()
	resolver, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()

	if !ok {
		return
	}

	env.ID = ""
	resolver <- env
}

func resolve(kind nativemsg.Kind, reply *nativemsg.Envelope) (json.RawMessage, error) {
	switch reply.Type {
	case kind:
		return reply.Data, nil
	case nativemsg.KindErr:
		var msg string
		if err := json.Unmarshal(reply.Data, &msg); err != nil {
			msg = string(reply.Data)
		}

		return nil, &HelperError{Kind: kind, Message: msg}
	default:
		return nil, &ProtocolMismatchError{Expected: kind, Got: reply.Type}
	}
}
