// Package downloads defines the contract of the external download subsystem
// that performs transfers on behalf of the tracker.
package downloads

import (
	"context"
	"errors"
	"strconv"
)

// ErrUnknownHandle is returned when a handle does not name a known download.
var ErrUnknownHandle = errors.New("unknown download handle")

// Handle identifies a download within one subsystem.
type Handle int64

func (h Handle) String() string {
	return strconv.FormatInt(int64(h), 10)
}

// State is the lifecycle state of a download as reported by the subsystem.
type State string

const (
	StateInProgress  State = "in_progress"
	StateInterrupted State = "interrupted"
	StateComplete    State = "complete"
)

// StateDelta carries a state transition.
type StateDelta struct {
	Previous State
	Current  State
}

// Delta is a change notification. State is nil when the change did not touch
// the lifecycle state (for example a progress update).
type Delta struct {
	Handle        Handle
	State         *StateDelta
	BytesReceived int64
	TotalBytes    int64
	Error         string
}

// Completed reports whether d is a transition from any state other than
// complete into complete.
func (d Delta) Completed() bool {
	return d.State != nil && d.State.Previous != StateComplete && d.State.Current == StateComplete
}

// Subsystem performs downloads. Start returns once the download has been
// accepted; the outcome arrives later through Changes. Erase forgets the
// subsystem's record of a download; the downloaded file is left in place.
type Subsystem interface {
	Start(ctx context.Context, url, filename string) (Handle, error)
	Erase(ctx context.Context, h Handle) error
	Changes() <-chan Delta
}
