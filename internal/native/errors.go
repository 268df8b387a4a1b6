package native

import (
	"fmt"

	"github.com/italolelis/edman/internal/nativemsg"
)

// HelperError is a failure reported by the helper in an err reply.
type HelperError struct {
	Kind    nativemsg.Kind // The request kind the helper failed to serve
	Message string         // Message sent by the helper
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("helper returned error for %s: %s", e.Kind, e.Message)
}

// ProtocolMismatchError is returned when the reply variant is neither the
// requested kind nor err.
type ProtocolMismatchError struct {
	Expected nativemsg.Kind
	Got      nativemsg.Kind
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("reply type mismatch: expected %s but got %s", e.Expected, e.Got)
}

// TransportError wraps a failure to reach the helper at all.
type TransportError struct {
	Operation string // "connect" or "send"
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("helper transport failed during %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
