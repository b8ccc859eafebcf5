package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransportUnavailable is returned when publish/subscribe is attempted
	// while the session is not Connected.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNotConnected is an alias kept for callers that match on it.
	ErrNotConnected = ErrTransportUnavailable
	// ErrConnectionLost wraps the reason carried by an Errored status.
	ErrConnectionLost = errors.New("connection lost")
	// ErrClosed is returned once a session has been explicitly disconnected.
	ErrClosed = errors.New("session closed")
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Offline
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Offline:
		return "offline"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of a Session's state. Reason is set for Errored and
// Offline, and carried over into the Reconnecting that follows them.
type Status struct {
	State  State     `json:"-"`
	Reason error     `json:"-"`
	Since  time.Time `json:"since"`
}

func (s Status) String() string {
	if s.Reason != nil {
		return fmt.Sprintf("%s (%v)", s.State, s.Reason)
	}
	return s.State.String()
}

// MarshalJSON renders state and reason as strings for status endpoints.
func (s Status) MarshalJSON() ([]byte, error) {
	reason := ""
	if s.Reason != nil {
		reason = s.Reason.Error()
	}
	return json.Marshal(struct {
		State  string    `json:"state"`
		Reason string    `json:"reason,omitempty"`
		Since  time.Time `json:"since"`
	}{s.State.String(), reason, s.Since})
}
