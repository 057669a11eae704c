package contracts

import (
	"maps"
	"slices"
	"time"
)

// SessionState is the lifecycle state of a safety session.
type SessionState string

const (
	StateInitializing      SessionState = "INITIALIZING"
	StateActive            SessionState = "ACTIVE"
	StatePaused            SessionState = "PAUSED"
	StateSafeWordTriggered SessionState = "SAFE_WORD_TRIGGERED"
	StateEmergencyStop     SessionState = "EMERGENCY_STOP"
	StateCompleted         SessionState = "COMPLETED"
	StateTerminated        SessionState = "TERMINATED"
)

// Terminal reports whether the state accepts no further mutation.
func (s SessionState) Terminal() bool {
	return s == StateEmergencyStop || s == StateCompleted || s == StateTerminated
}

// Suspended reports whether the session is waiting for an explicit resume.
func (s SessionState) Suspended() bool {
	return s == StatePaused || s == StateSafeWordTriggered
}

// ViolationType classifies a recorded safety violation.
type ViolationType string

const (
	ViolationBoundary  ViolationType = "boundary"
	ViolationIntensity ViolationType = "intensity"
	ViolationTrigger   ViolationType = "trigger"
	ViolationConsent   ViolationType = "consent"
	ViolationTimeout   ViolationType = "timeout"
)

// EmergencyTrigger names what initiated an emergency action.
type EmergencyTrigger string

const (
	TriggerSafeWord           EmergencyTrigger = "safe_word"
	TriggerAutomaticDetection EmergencyTrigger = "automatic_detection"
	TriggerUserRequest        EmergencyTrigger = "user_request"
	TriggerSystemError        EmergencyTrigger = "system_error"
)

// EmergencyResponse is the effect an emergency action had on the session.
type EmergencyResponse string

const (
	ResponsePause            EmergencyResponse = "pause"
	ResponseStop             EmergencyResponse = "stop"
	ResponseTerminate        EmergencyResponse = "terminate"
	ResponseContactEmergency EmergencyResponse = "contact_emergency"
)

// End reasons understood by the state machine.
const (
	EndReasonNormal      = "normal"
	EndReasonUserRequest = "user_request"
	EndReasonTimeout     = "timeout"
	EndReasonEmergency   = "emergency"
	EndReasonViolation   = "violation"
)

// SafetyViolation is an append-only record of a crossed limit.
type SafetyViolation struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Type        ViolationType `json:"violation_type"`
	Category    string        `json:"category,omitempty"`
	Severity    RiskLevel     `json:"severity"`
	Description string        `json:"description"`
	ContentID   string        `json:"content_id,omitempty"`
	Resolved    bool          `json:"resolved"`
}

// EmergencyAction is an append-only record of an emergency transition.
type EmergencyAction struct {
	ID               string            `json:"id"`
	Timestamp        time.Time         `json:"timestamp"`
	Trigger          EmergencyTrigger  `json:"trigger"`
	Action           EmergencyResponse `json:"action"`
	Reason           string            `json:"reason"`
	FollowUpRequired bool              `json:"follow_up_required"`
}

// CheckpointSource identifies what produced a checkpoint.
type CheckpointSource string

const (
	CheckpointValidation  CheckpointSource = "validation"
	CheckpointMonitor     CheckpointSource = "monitor"
	CheckpointInteraction CheckpointSource = "interaction"
)

// SafetyCheckpoint is a read-only snapshot of assessed state.
type SafetyCheckpoint struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	Source          CheckpointSource  `json:"source"`
	State           SessionState      `json:"state"`
	UserRisk        RiskLevel         `json:"user_risk"`
	Analysis        *ContentAnalysis  `json:"analysis,omitempty"`
	Recommendations []SafetyAction    `json:"recommendations,omitempty"`
	ActionsTaken    []string          `json:"actions_taken,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// UserFeedback is a comfort report submitted during a session.
type UserFeedback struct {
	Timestamp time.Time `json:"timestamp"`
	Comfort   int       `json:"comfort"` // 0 (overwhelmed) .. 10 (at ease)
	Comment   string    `json:"comment,omitempty"`
	Crisis    bool      `json:"crisis"`
}

// SafetySession is a snapshot of one engagement and its history.
type SafetySession struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id"`
	State            SessionState       `json:"state"`
	RiskCeiling      RiskLevel          `json:"risk_ceiling"`
	StartedAt        time.Time          `json:"started_at"`
	LastActivity     time.Time          `json:"last_activity"`
	EndedAt          *time.Time         `json:"ended_at,omitempty"`
	EndReason        string             `json:"end_reason,omitempty"`
	Checkpoints      []SafetyCheckpoint `json:"checkpoints"`
	Violations       []SafetyViolation  `json:"violations"`
	EmergencyActions []EmergencyAction  `json:"emergency_actions"`
	Feedback         []UserFeedback     `json:"feedback"`
}

// Clone returns a deep copy of the session.
func (s SafetySession) Clone() SafetySession {
	out := s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	out.Checkpoints = make([]SafetyCheckpoint, len(s.Checkpoints))
	for i, cp := range s.Checkpoints {
		if cp.Analysis != nil {
			a := cp.Analysis.Clone()
			cp.Analysis = &a
		}
		cp.Recommendations = slices.Clone(cp.Recommendations)
		cp.ActionsTaken = slices.Clone(cp.ActionsTaken)
		cp.Extra = maps.Clone(cp.Extra)
		out.Checkpoints[i] = cp
	}
	out.Violations = slices.Clone(s.Violations)
	out.EmergencyActions = slices.Clone(s.EmergencyActions)
	out.Feedback = slices.Clone(s.Feedback)
	return out
}

// ActiveViolationCount counts unresolved violations.
func (s SafetySession) ActiveViolationCount() int {
	n := 0
	for _, v := range s.Violations {
		if !v.Resolved {
			n++
		}
	}
	return n
}

// SessionStatus is the compact view consumed by settings surfaces.
type SessionStatus struct {
	SessionID            string       `json:"session_id"`
	UserID               string       `json:"user_id"`
	State                SessionState `json:"state"`
	RiskLevel            RiskLevel    `json:"risk_level"`
	ActiveViolationCount int          `json:"active_violation_count"`
	LastCheck            time.Time    `json:"last_check"`
	EndReason            string       `json:"end_reason,omitempty"`
}
