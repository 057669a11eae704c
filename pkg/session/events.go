package session

import (
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// EventKind names a change recorded by the Machine.
type EventKind string

const (
	EventSessionCreated EventKind = "session_created"
	EventStateChanged   EventKind = "state_changed"
	EventCheckpoint     EventKind = "checkpoint"
	EventViolation      EventKind = "violation"
	EventEmergency      EventKind = "emergency"
	EventFeedback       EventKind = "feedback"
	EventSessionEnded   EventKind = "session_ended"
)

// Event describes one change to a session. Exactly one of the pointer
// fields is set for checkpoint, violation, emergency and feedback events.
type Event struct {
	Kind       EventKind
	SessionID  string
	UserID     string
	At         time.Time
	From       contracts.SessionState
	To         contracts.SessionState
	Reason     string
	Checkpoint *contracts.SafetyCheckpoint
	Violation  *contracts.SafetyViolation
	Emergency  *contracts.EmergencyAction
	Feedback   *contracts.UserFeedback
}

// Observer receives session events. Observers run synchronously while the
// session is locked, in the order the changes happened; they must not call
// back into the Machine.
type Observer func(Event)
