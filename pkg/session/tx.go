package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// tx accumulates the changes of one locked operation on a session.
type tx struct {
	m      *Machine
	s      *contracts.SafetySession
	now    time.Time
	events []Event
}

func (m *Machine) begin(r *record, now time.Time) *tx {
	return &tx{m: m, s: &r.s, now: now}
}

func (t *tx) emit(e Event) {
	e.SessionID = t.s.ID
	e.UserID = t.s.UserID
	if e.At.IsZero() {
		e.At = t.now
	}
	t.events = append(t.events, e)
}

func (t *tx) transition(to contracts.SessionState, reason string) {
	from := t.s.State
	if from == to {
		return
	}
	t.s.State = to
	t.emit(Event{Kind: EventStateChanged, From: from, To: to, Reason: reason})
}

func (t *tx) end(to contracts.SessionState, reason string) {
	from := t.s.State
	t.transition(to, reason)
	ended := t.now
	t.s.EndedAt = &ended
	t.s.EndReason = reason
	t.emit(Event{Kind: EventSessionEnded, From: from, To: to, Reason: reason})
}

func (t *tx) checkpoint(cp contracts.SafetyCheckpoint) {
	cp.ID = uuid.New().String()
	cp.Timestamp = t.now
	cp.State = t.s.State
	t.s.Checkpoints = append(t.s.Checkpoints, cp)
	stored := t.s.Checkpoints[len(t.s.Checkpoints)-1]
	t.emit(Event{Kind: EventCheckpoint, To: t.s.State, Checkpoint: &stored})
}

func (t *tx) violation(kind contracts.ViolationType, category string, a contracts.ContentAnalysis, description string) {
	severity := a.OverallRisk
	if !severity.Valid() {
		severity = contracts.RiskModerate
	}
	v := contracts.SafetyViolation{
		ID:          uuid.New().String(),
		Timestamp:   t.now,
		Type:        kind,
		Category:    category,
		Severity:    severity,
		Description: description,
		ContentID:   a.ContentID,
	}
	t.s.Violations = append(t.s.Violations, v)
	t.emit(Event{Kind: EventViolation, To: t.s.State, Violation: &v})
	t.m.logger.Warn("safety violation",
		"session_id", t.s.ID, "user_id", t.s.UserID, "type", kind, "category", category, "severity", severity)
}

func (t *tx) softBoundaryViolations(a contracts.ContentAnalysis) {
	for _, bh := range a.BoundaryHits {
		if bh.Type != contracts.BoundaryHard && bh.Action.Severity() >= contracts.ActionBlock.Severity() {
			t.violation(contracts.ViolationBoundary, bh.Category, a, bh.Category+" crosses a soft boundary")
		}
	}
}

func (t *tx) emergency(trigger contracts.EmergencyTrigger, action contracts.EmergencyResponse, reason string, followUp bool) {
	ea := contracts.EmergencyAction{
		ID:               uuid.New().String(),
		Timestamp:        t.now,
		Trigger:          trigger,
		Action:           action,
		Reason:           reason,
		FollowUpRequired: followUp,
	}
	t.s.EmergencyActions = append(t.s.EmergencyActions, ea)
	t.m.recordEmergency(t.s.UserID, t.now)
	t.emit(Event{Kind: EventEmergency, To: t.s.State, Emergency: &ea, Reason: reason})
}

// commit delivers the accumulated events to the observer.
func (t *tx) commit() {
	obs := t.m.observer
	if obs == nil {
		return
	}
	for _, e := range t.events {
		obs(e)
	}
}
