// Package host implements the helper side of the native messaging channel:
// it answers requests read from stdin on stdout.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/nativemsg"
	"github.com/italolelis/edman/internal/telemetry"
)

// Backend answers the requests a host receives.
type Backend interface {
	Config(ctx context.Context) (*nativemsg.Config, error)
	FileStates(ctx context.Context, keys []string) ([]bool, error)
	RegisterFile(ctx context.Context, req nativemsg.RegisterFileRequest) (int64, error)
}

// OriginNotAllowedError is returned when the caller origin is not listed in
// the helper configuration.
type OriginNotAllowedError struct {
	Origin string
}

func (e *OriginNotAllowedError) Error() string {
	return fmt.Sprintf("origin %q is not allowed", e.Origin)
}

// CheckOrigin verifies the origin a browser passes as first argument.
func CheckOrigin(origin string, cfg *nativemsg.Config) error {
	if origin == "" {
		return nil
	}

	if slices.Contains(cfg.AllowedOrigins, origin) || slices.Contains(cfg.AllowedExtensions, origin) {
		return nil
	}

	return &OriginNotAllowedError{Origin: origin}
}

// Host serves one native messaging stream.
type Host struct {
	backend   Backend
	telemetry *telemetry.Telemetry
}

func New(backend Backend, tel *telemetry.Telemetry) *Host {
	return &Host{backend: backend, telemetry: tel}
}

// Serve answers requests from r on w until r ends or ctx is done. Requests
// are answered in the order they arrive.
func (h *Host) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	logger := logctx.LoggerFromContext(ctx)

	reader := nativemsg.NewReader(r, nativemsg.MaxInboundSize)
	writer := nativemsg.NewWriter(w, nativemsg.MaxHostMessageSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := reader.Read()
		if errors.Is(err, io.EOF) {
			logger.InfoContext(ctx, "native messaging stream closed")

			return nil
		}

		var decodeErr *nativemsg.DecodeError
		if errors.As(err, &decodeErr) {
			logger.WarnContext(ctx, "received malformed request", "err", err)

			if id := recoverID(decodeErr.Payload); id != "" {
				if err := writer.Write(nativemsg.ErrorEnvelope(id, err.Error())); err != nil {
					return fmt.Errorf("failed to write reply: %w", err)
				}
			}

			continue
		}

		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		reqCtx := logctx.WithCallID(ctx, req.ID)
		reply := h.handle(reqCtx, req)

		err = writer.Write(reply)

		var tooLarge *nativemsg.FrameTooLargeError
		if errors.As(err, &tooLarge) {
			logger.ErrorContext(reqCtx, "reply exceeds browser limit", "kind", string(req.Type), "err", err)
			err = writer.Write(nativemsg.ErrorEnvelope(req.ID, err.Error()))
		}

		if err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
	}
}

func (h *Host) handle(ctx context.Context, req *nativemsg.Envelope) *nativemsg.Envelope {
	logger := logctx.LoggerFromContext(ctx).With("kind", string(req.Type))

	var (
		payload any
		err     error
	)

	opErr := h.telemetry.InstrumentOperation(ctx, "host_"+string(req.Type), "host", func(ctx context.Context) error {
		payload, err = h.dispatch(ctx, req)

		return err
	})
	if opErr != nil {
		logger.WarnContext(ctx, "request failed", "err", opErr)

		return nativemsg.ErrorEnvelope(req.ID, opErr.Error())
	}

	reply, err := nativemsg.NewEnvelope(req.Type, payload)
	if err != nil {
		return nativemsg.ErrorEnvelope(req.ID, err.Error())
	}

	reply.ID = req.ID

	logger.DebugContext(ctx, "request answered")

	return reply
}

func (h *Host) dispatch(ctx context.Context, req *nativemsg.Envelope) (any, error) {
	switch req.Type {
	case nativemsg.KindConfig:
		return h.backend.Config(ctx)

	case nativemsg.KindFetchFileStates:
		var q nativemsg.FetchFileStatesRequest
		if err := req.Decode(&q); err != nil {
			return nil, err
		}

		states, err := h.backend.FileStates(ctx, q.Query)
		if err != nil {
			return nil, err
		}

		return nativemsg.FetchFileStatesReply{Result: states}, nil

	case nativemsg.KindRegisterFile:
		var r nativemsg.RegisterFileRequest
		if err := req.Decode(&r); err != nil {
			return nil, err
		}

		id, err := h.backend.RegisterFile(ctx, r)
		if err != nil {
			return nil, err
		}

		return nativemsg.RegisterFileReply{ID: id}, nil

	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

// recoverID pulls the id out of a record that is not a valid envelope.
func recoverID(payload []byte) string {
	var partial struct {
		ID json.RawMessage `json:"id"`
	}

	if err := json.Unmarshal(payload, &partial); err != nil {
		return ""
	}

	var id string
	if err := json.Unmarshal(partial.ID, &id); err != nil {
		return ""
	}

	return id
}
