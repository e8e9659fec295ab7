package session

import (
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of the controller.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and TOML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrSessionActive is returned by Start when a session is not Idle.
	ErrSessionActive = errors.New("a recording session is already active")

	// ErrStartCanceled is returned by Start when Stop interrupted it.
	ErrStartCanceled = errors.New("recording start canceled")
)

// StopReason tells a user-requested stop apart from one the OS or device caused.
type StopReason string

const (
	ReasonUser        StopReason = "user"
	ReasonUnsolicited StopReason = "unsolicited"
)

// EventType identifies a status event.
type EventType string

const (
	EventStarting EventType = "starting"
	EventStarted  EventType = "started"
	EventFailed   EventType = "failed"
	EventStopping EventType = "stopping"
	EventStopped  EventType = "stopped"
)

// Event is a status notification. Session-ended conditions (unsolicited
// stop, incomplete write) arrive as EventStopped after the controller is
// back to Idle.
type Event struct {
	Type    EventType  `json:"type"`
	State   State      `json:"state"`
	At      time.Time  `json:"at"`
	Session *Session   `json:"session,omitempty"`
	Result  *Result    `json:"result,omitempty"`
	Reason  StopReason `json:"reason,omitempty"`
	Err     error      `json:"-"`
	Error   string     `json:"error,omitempty"`
}

func newEvent(typ EventType, state State, at time.Time, err error) Event {
	e := Event{Type: typ, State: state, At: at, Err: err}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
