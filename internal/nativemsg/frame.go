// Package nativemsg implements the browser native messaging wire format: every
// record is a JSON document preceded by its length as a 32-bit unsigned
// integer in the platform's native byte order.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxInboundSize bounds a single record read from a peer.
	MaxInboundSize = 64 << 20
	// MaxHostMessageSize is the largest record a browser accepts from a host.
	MaxHostMessageSize = 1 << 20

	headerSize = 4
)

// FrameTooLargeError is returned when a record exceeds the configured limit.
// Once a reader returns it the stream can no longer be trusted.
type FrameTooLargeError struct {
	Size  uint64
	Limit uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("native message of %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// DecodeError is returned when a well-framed record does not hold a valid
// envelope. The stream stays aligned, so callers may keep reading.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode native message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reader reads envelopes from a stream.
type Reader struct {
	r     io.Reader
	limit uint32
}

// NewReader returns a Reader that rejects records larger than limit bytes.
// A zero limit means MaxInboundSize.
func NewReader(r io.Reader, limit uint32) *Reader {
	if limit == 0 {
		limit = MaxInboundSize
	}

	return &Reader{r: r, limit: limit}
}

// Read returns the next envelope. It returns io.EOF only when the stream ends
// cleanly on a record boundary.
func (r *Reader) Read() (*Envelope, error) {
	payload, err := r.ReadRaw()
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &DecodeError{Payload: payload, Err: err}
	}

	return &env, nil
}

// ReadRaw returns the next record without decoding it.
func (r *Reader) ReadRaw() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}

	size := binary.NativeEndian.Uint32(header[:])
	if size > r.limit {
		return nil, &FrameTooLargeError{Size: uint64(size), Limit: r.limit}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return payload, nil
}

// Writer writes envelopes to a stream. It is safe for concurrent use; every
// record is emitted with a single Write call.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	limit uint32
}

// NewWriter returns a Writer that refuses records larger than limit bytes.
// A zero limit means MaxInboundSize.
func NewWriter(w io.Writer, limit uint32) *Writer {
	if limit == 0 {
		limit = MaxInboundSize
	}

	return &Writer{w: w, limit: limit}
}

func (w *Writer) Write(env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode native message: %w", err)
	}

	if uint64(len(payload)) > uint64(w.limit) {
		return &FrameTooLargeError{Size: uint64(len(payload)), Limit: w.limit}
	}

	frame := make([]byte, headerSize+len(payload))
	binary.NativeEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write native message: %w", err)
	}

	return nil
}
