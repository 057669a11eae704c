// Package session implements the SessionStateMachine.
//
// Sessions move INITIALIZING → ACTIVE → {PAUSED, SAFE_WORD_TRIGGERED,
// EMERGENCY_STOP} → {COMPLETED, TERMINATED}. PAUSED and SAFE_WORD_TRIGGERED
// return to ACTIVE only through Resume. EMERGENCY_STOP, COMPLETED and
// TERMINATED are terminal.
//
// Every mutating call takes the session's own lock for the whole
// transition, so checkpoint recording and emergency handling on one session
// never interleave. Different sessions never contend.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// ProfileSource provides read-only profile snapshots.
type ProfileSource interface {
	Get(userID string) (contracts.UserSafetyProfile, bool)
}

type record struct {
	mu sync.Mutex
	s  contracts.SafetySession
}

// Machine owns all sessions.
type Machine struct {
	mu       sync.RWMutex
	sessions map[string]*record

	histMu  sync.Mutex
	history map[string][]time.Time // userID -> emergency action times

	profiles ProfileSource
	ceiling  contracts.RiskLevel
	observer Observer
	clock    func() time.Time
	logger   *slog.Logger
}

// NewMachine creates a state machine. Sessions pause when the overall risk
// of validated content exceeds ceiling.
func NewMachine(profiles ProfileSource, ceiling contracts.RiskLevel) *Machine {
	if !ceiling.Valid() {
		ceiling = contracts.RiskHigh
	}
	return &Machine{
		sessions: make(map[string]*record),
		history:  make(map[string][]time.Time),
		profiles: profiles,
		ceiling:  ceiling,
		clock:    time.Now,
		logger:   slog.Default().With("component", "session"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// SetObserver installs the event observer.
func (m *Machine) SetObserver(o Observer) {
	m.observer = o
}

// Ceiling returns the default risk ceiling applied to new sessions.
func (m *Machine) Ceiling() contracts.RiskLevel {
	return m.ceiling
}

// Create starts a session for a user. The user must have a profile with
// granted consent and a risk level below critical.
func (m *Machine) Create(userID string) (contracts.SafetySession, error) {
	p, ok := m.profiles.Get(userID)
	if !ok {
		return contracts.SafetySession{}, contracts.NewValidationError(contracts.ErrProfileNotFound,
			fmt.Sprintf("no safety profile exists for user %s", userID))
	}
	if p.Consent != contracts.ConsentGranted {
		m.logger.Warn("session refused", "user_id", userID, "reason", "consent", "consent", p.Consent)
		return contracts.SafetySession{}, contracts.NewViolationError(contracts.ErrConsentNotGranted,
			"consent to safety-managed sessions has not been granted")
	}
	if p.RiskLevel == contracts.RiskCritical {
		m.logger.Warn("session refused", "user_id", userID, "reason", "risk", "risk_level", p.RiskLevel)
		return contracts.SafetySession{}, contracts.NewViolationError(contracts.ErrRiskTooHigh,
			"your current safety risk level does not allow a new session")
	}

	now := m.clock()
	r := &record{s: contracts.SafetySession{
		ID:           uuid.New().String(),
		UserID:       userID,
		State:        contracts.StateInitializing,
		RiskCeiling:  m.ceiling,
		StartedAt:    now,
		LastActivity: now,
	}}

	r.mu.Lock()
	defer r.mu.Unlock()

	m.mu.Lock()
	m.sessions[r.s.ID] = r
	m.mu.Unlock()

	t := m.begin(r, now)
	t.emit(Event{Kind: EventSessionCreated, To: contracts.StateInitializing})
	t.transition(contracts.StateActive, "session started")
	t.commit()

	m.logger.Info("session created", "session_id", r.s.ID, "user_id", userID)
	return r.s.Clone(), nil
}

// RecordCheckpoint records a validation checkpoint for an analysis and
// returns the verdict.
//
// Every blocked category is recorded as a violation before the verdict is
// chosen, and a blocked category always yields block. Overall risk above the
// session ceiling pauses the session. An intensity overage yields modify.
// Soft boundaries may ask for pause or terminate, which are applied here.
// Other content validated while the session is suspended yields pause.
func (m *Machine) RecordCheckpoint(sessionID string, analysis contracts.ContentAnalysis) (contracts.SafetyAction, error) {
	var verdict contracts.SafetyAction
	err := m.mutate(sessionID, func(t *tx) error {
		a := analysis.Clone()
		cp := contracts.SafetyCheckpoint{
			Source:          contracts.CheckpointValidation,
			UserRisk:        m.userRisk(t.s.UserID, a.OverallRisk),
			Analysis:        &a,
			Recommendations: a.RecommendedActions,
		}

		var taken []string
		held := t.s.State.Suspended() || t.s.State == contracts.StateInitializing
		if held {
			taken = append(taken, "held:"+string(t.s.State))
		}
		blocked := a.BlockedCategories()
		for _, tw := range a.TriggerWarnings {
			if tw.Blocked {
				t.violation(contracts.ViolationTrigger, tw.Category, a,
					fmt.Sprintf("%s is blocked in the user's safety preferences", tw.Category))
				taken = append(taken, "violation:trigger:"+tw.Category)
			}
		}
		for _, bh := range hardOnly(a) {
			t.violation(contracts.ViolationBoundary, bh, a, fmt.Sprintf("%s crosses a hard boundary", bh))
			taken = append(taken, "violation:boundary:"+bh)
		}
		withheld := func() contracts.SafetyAction {
			if len(blocked) > 0 {
				return contracts.ActionBlock
			}
			return contracts.ActionPause
		}

		if held {
			verdict = withheld()
			cp.ActionsTaken = append(taken, string(verdict))
			t.checkpoint(cp)
			return nil
		}

		if a.OverallRisk.Exceeds(t.s.RiskCeiling) {
			t.violation(contracts.ViolationIntensity, "", a,
				fmt.Sprintf("overall risk %s is above the session ceiling %s", a.OverallRisk, t.s.RiskCeiling))
			t.transition(contracts.StatePaused, "risk ceiling exceeded")
			verdict = withheld()
			cp.ActionsTaken = append(taken, "paused", string(verdict))
			t.checkpoint(cp)
			return nil
		}

		rec := contracts.ActionContinue
		for _, act := range a.RecommendedActions {
			if act != contracts.ActionEscalate {
				rec = contracts.MostSevere(rec, act)
			}
		}
		if len(blocked) > 0 {
			rec = contracts.MostSevere(rec, contracts.ActionBlock)
		}
		for _, cat := range a.ExceededCategories() {
			t.violation(contracts.ViolationIntensity, cat, a, fmt.Sprintf("%s is above the user's intensity limit", cat))
			taken = append(taken, "violation:intensity:"+cat)
			rec = contracts.MostSevere(rec, contracts.ActionModify)
		}

		switch rec {
		case contracts.ActionPause:
			if len(taken) == 0 {
				t.softBoundaryViolations(a)
			}
			t.transition(contracts.StatePaused, "boundary requested pause")
			taken = append(taken, "paused")
		case contracts.ActionTerminate:
			if len(taken) == 0 {
				t.softBoundaryViolations(a)
			}
			t.end(contracts.StateTerminated, contracts.EndReasonViolation)
			taken = append(taken, "terminated")
		case contracts.ActionBlock:
			if len(taken) == 0 {
				t.softBoundaryViolations(a)
			}
		}
		verdict = rec
		cp.ActionsTaken = append(taken, string(rec))
		t.checkpoint(cp)
		return nil
	})
	if err != nil {
		return "", err
	}
	return verdict, nil
}

// HandleSafeWord suspends the session on a safe word and returns pause. A
// repeated safe word only records a checkpoint.
func (m *Machine) HandleSafeWord(sessionID, word string) (contracts.SafetyAction, error) {
	return m.Suspend(sessionID, contracts.TriggerSafeWord, "safe word used: "+word)
}

// Suspend moves the session to SAFE_WORD_TRIGGERED and records the
// emergency action in the same step. It is idempotent while the session is
// already suspended this way.
func (m *Machine) Suspend(sessionID string, trigger contracts.EmergencyTrigger, reason string) (contracts.SafetyAction, error) {
	err := m.mutate(sessionID, func(t *tx) error {
		if t.s.State == contracts.StateSafeWordTriggered {
			t.checkpoint(contracts.SafetyCheckpoint{
				Source:       contracts.CheckpointInteraction,
				UserRisk:     m.userRisk(t.s.UserID, ""),
				ActionsTaken: []string{"noop"},
				Extra:        map[string]string{"event": "safe_word_repeat", "trigger": string(trigger)},
			})
			return nil
		}
		t.transition(contracts.StateSafeWordTriggered, reason)
		t.emergency(trigger, contracts.ResponsePause, reason, false)
		t.checkpoint(contracts.SafetyCheckpoint{
			Source:       contracts.CheckpointInteraction,
			UserRisk:     m.userRisk(t.s.UserID, ""),
			ActionsTaken: []string{"pause"},
			Extra:        map[string]string{"event": "safe_word", "trigger": string(trigger)},
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return contracts.ActionPause, nil
}

// HandleEmergency stops the session irreversibly and returns terminate.
func (m *Machine) HandleEmergency(sessionID string, trigger contracts.EmergencyTrigger, reason string) (contracts.SafetyAction, error) {
	err := m.mutate(sessionID, func(t *tx) error {
		t.end(contracts.StateEmergencyStop, contracts.EndReasonEmergency)
		t.emergency(trigger, contracts.ResponseTerminate, reason, true)
		return nil
	})
	if err != nil {
		return "", err
	}
	m.logger.Warn("session emergency stop", "session_id", sessionID, "trigger", trigger, "reason", reason)
	return contracts.ActionTerminate, nil
}

// Pause moves an ACTIVE session to PAUSED. Pausing an already suspended
// session is a no-op.
func (m *Machine) Pause(sessionID, reason string) error {
	return m.mutate(sessionID, func(t *tx) error {
		switch t.s.State {
		case contracts.StatePaused, contracts.StateSafeWordTriggered:
			return nil
		case contracts.StateActive:
			t.transition(contracts.StatePaused, reason)
			t.checkpoint(contracts.SafetyCheckpoint{
				Source:       contracts.CheckpointInteraction,
				UserRisk:     m.userRisk(t.s.UserID, ""),
				ActionsTaken: []string{"pause"},
				Extra:        map[string]string{"reason": reason},
			})
			return nil
		default:
			return invalidTransition(t.s.State, contracts.StatePaused)
		}
	})
}

// Resume returns a PAUSED or SAFE_WORD_TRIGGERED session to ACTIVE and
// marks its outstanding violations resolved.
func (m *Machine) Resume(sessionID string) error {
	return m.mutate(sessionID, func(t *tx) error {
		if !t.s.State.Suspended() {
			return invalidTransition(t.s.State, contracts.StateActive)
		}
		for i := range t.s.Violations {
			t.s.Violations[i].Resolved = true
		}
		t.transition(contracts.StateActive, "resumed by user")
		t.checkpoint(contracts.SafetyCheckpoint{
			Source:       contracts.CheckpointInteraction,
			UserRisk:     m.userRisk(t.s.UserID, ""),
			ActionsTaken: []string{"resume"},
		})
		return nil
	})
}

// EndSession closes the session. A timeout or any ordinary reason
// completes it; emergency and violation reasons terminate it.
func (m *Machine) EndSession(sessionID, reason string) error {
	if reason == "" {
		reason = contracts.EndReasonNormal
	}
	to := contracts.StateCompleted
	if reason == contracts.EndReasonEmergency || reason == contracts.EndReasonViolation {
		to = contracts.StateTerminated
	}
	err := m.mutate(sessionID, func(t *tx) error {
		if reason == contracts.EndReasonTimeout {
			t.violation(contracts.ViolationTimeout, "", contracts.ContentAnalysis{OverallRisk: contracts.RiskLow},
				"session ended after a period of inactivity")
		}
		t.end(to, reason)
		return nil
	})
	if err == nil {
		m.logger.Info("session ended", "session_id", sessionID, "state", to, "reason", reason)
	}
	return err
}

// ExpireIfIdle ends the session with the timeout reason when it is still
// idle under its lock. It reports whether the session was ended; activity
// recorded after an idle scan keeps the session open.
func (m *Machine) ExpireIfIdle(sessionID string, now time.Time, timeout time.Duration, includePaused bool) (bool, error) {
	expired := false
	err := m.withRecord(sessionID, func(r *record) error {
		if r.s.State.Terminal() {
			return ClosedError(sessionID)
		}
		st := r.s.State
		eligible := st == contracts.StateActive || (includePaused && st.Suspended())
		if !eligible || now.Sub(r.s.LastActivity) < timeout {
			return nil
		}
		t := m.begin(r, m.clock())
		t.violation(contracts.ViolationTimeout, "", contracts.ContentAnalysis{OverallRisk: contracts.RiskLow},
			"session ended after a period of inactivity")
		t.end(contracts.StateCompleted, contracts.EndReasonTimeout)
		t.commit()
		expired = true
		return nil
	})
	if expired {
		m.logger.Info("session ended", "session_id", sessionID, "state", contracts.StateCompleted, "reason", contracts.EndReasonTimeout)
	}
	return expired, err
}

// RecordFallback records a validation that could not be assessed and was
// answered with a fallback verdict. It counts as activity.
func (m *Machine) RecordFallback(sessionID string, action contracts.SafetyAction, behavior, reason string) error {
	return m.mutate(sessionID, func(t *tx) error {
		t.checkpoint(contracts.SafetyCheckpoint{
			Source:          contracts.CheckpointValidation,
			UserRisk:        m.userRisk(t.s.UserID, ""),
			Recommendations: []contracts.SafetyAction{action},
			ActionsTaken:    []string{"fallback:" + behavior},
			Extra:           map[string]string{"event": "fallback", "reason": reason},
		})
		return nil
	})
}

// RecordFeedback appends a comfort report and counts as activity.
func (m *Machine) RecordFeedback(sessionID string, fb contracts.UserFeedback) error {
	return m.mutate(sessionID, func(t *tx) error {
		if fb.Timestamp.IsZero() {
			fb.Timestamp = t.now
		}
		t.s.Feedback = append(t.s.Feedback, fb)
		f := fb
		t.emit(Event{Kind: EventFeedback, Feedback: &f})
		return nil
	})
}

// Touch records activity on an open session.
func (m *Machine) Touch(sessionID string) error {
	return m.mutate(sessionID, func(*tx) error { return nil })
}

// RecordMonitorCheckpoint appends a periodic checkpoint. It does not count
// as session activity.
func (m *Machine) RecordMonitorCheckpoint(sessionID string, extra map[string]string) error {
	return m.withRecord(sessionID, func(r *record) error {
		if r.s.State.Terminal() {
			return ClosedError(sessionID)
		}
		t := m.begin(r, m.clock())
		t.checkpoint(contracts.SafetyCheckpoint{
			Source:   contracts.CheckpointMonitor,
			UserRisk: m.userRisk(r.s.UserID, ""),
			Extra:    extra,
		})
		t.commit()
		return nil
	})
}

// Snapshot returns a deep copy of the session.
func (m *Machine) Snapshot(sessionID string) (contracts.SafetySession, error) {
	var out contracts.SafetySession
	err := m.withRecord(sessionID, func(r *record) error {
		out = r.s.Clone()
		return nil
	})
	return out, err
}

// Status returns the compact status view of a session.
func (m *Machine) Status(sessionID string) (contracts.SessionStatus, error) {
	var st contracts.SessionStatus
	err := m.withRecord(sessionID, func(r *record) error {
		st = contracts.SessionStatus{
			SessionID:            r.s.ID,
			UserID:               r.s.UserID,
			State:                r.s.State,
			RiskLevel:            m.userRisk(r.s.UserID, ""),
			ActiveViolationCount: r.s.ActiveViolationCount(),
			LastCheck:            r.s.StartedAt,
			EndReason:            r.s.EndReason,
		}
		if n := len(r.s.Checkpoints); n > 0 {
			last := r.s.Checkpoints[n-1]
			st.LastCheck = last.Timestamp
			if last.Analysis != nil {
				st.RiskLevel = contracts.MaxRisk(st.RiskLevel, last.Analysis.OverallRisk)
			}
		}
		return nil
	})
	return st, err
}

// ActiveSessionIDs lists sessions that are not in a terminal state, sorted.
func (m *Machine) ActiveSessionIDs() []string {
	var ids []string
	for _, r := range m.records() {
		r.mu.Lock()
		if !r.s.State.Terminal() {
			ids = append(ids, r.s.ID)
		}
		r.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// IdleSessions lists open sessions without activity for at least timeout.
// Suspended sessions are included only when includePaused is set.
func (m *Machine) IdleSessions(now time.Time, timeout time.Duration, includePaused bool) []string {
	var ids []string
	for _, r := range m.records() {
		r.mu.Lock()
		st := r.s.State
		eligible := st == contracts.StateActive || (includePaused && st.Suspended())
		if eligible && now.Sub(r.s.LastActivity) >= timeout {
			ids = append(ids, r.s.ID)
		}
		r.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Snapshots returns copies of every session, ordered by start time.
func (m *Machine) Snapshots() []contracts.SafetySession {
	var out []contracts.SafetySession
	for _, r := range m.records() {
		r.mu.Lock()
		out = append(out, r.s.Clone())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CountByState counts sessions per state.
func (m *Machine) CountByState() map[contracts.SessionState]int {
	out := make(map[contracts.SessionState]int)
	for _, r := range m.records() {
		r.mu.Lock()
		out[r.s.State]++
		r.mu.Unlock()
	}
	return out
}

// RecentEmergencies counts the user's emergency actions at or after since.
// The history outlives pruned sessions.
func (m *Machine) RecentEmergencies(userID string, since time.Time) int {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	n := 0
	for _, at := range m.history[userID] {
		if !at.Before(since) {
			n++
		}
	}
	return n
}

// Prune evicts terminal sessions that ended before the cutoff and trims
// emergency history older than it.
func (m *Machine) Prune(before time.Time) int {
	m.mu.Lock()
	var victims []string
	for id, r := range m.sessions {
		r.mu.Lock()
		if r.s.State.Terminal() && r.s.EndedAt != nil && r.s.EndedAt.Before(before) {
			victims = append(victims, id)
		}
		r.mu.Unlock()
	}
	for _, id := range victims {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return len(victims)
}

// TrimHistory drops emergency history recorded before the cutoff.
func (m *Machine) TrimHistory(before time.Time) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	for user, times := range m.history {
		kept := times[:0]
		for _, at := range times {
			if !at.Before(before) {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(m.history, user)
			continue
		}
		m.history[user] = kept
	}
}

func (m *Machine) records() []*record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*record, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r)
	}
	return out
}

func (m *Machine) withRecord(sessionID string, fn func(r *record) error) error {
	m.mu.RLock()
	r, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return contracts.NewValidationError(contracts.ErrSessionNotFound,
			fmt.Sprintf("session %s does not exist", sessionID))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r)
}

// mutate runs fn on an open session under its lock, records activity and
// delivers the resulting events.
func (m *Machine) mutate(sessionID string, fn func(t *tx) error) error {
	return m.withRecord(sessionID, func(r *record) error {
		if r.s.State.Terminal() {
			return ClosedError(sessionID)
		}
		t := m.begin(r, m.clock())
		if err := fn(t); err != nil {
			return err
		}
		if t.now.After(r.s.LastActivity) {
			r.s.LastActivity = t.now
		}
		t.commit()
		return nil
	})
}

func (m *Machine) userRisk(userID string, fallback contracts.RiskLevel) contracts.RiskLevel {
	if p, ok := m.profiles.Get(userID); ok && p.RiskLevel.Valid() {
		return p.RiskLevel
	}
	if fallback.Valid() {
		return fallback
	}
	return contracts.RiskLow
}

func (m *Machine) recordEmergency(userID string, at time.Time) {
	m.histMu.Lock()
	m.history[userID] = append(m.history[userID], at)
	m.histMu.Unlock()
}

// ClosedError is returned for any mutation of a session in a terminal state.
func ClosedError(sessionID string) error {
	return contracts.NewValidationError(contracts.ErrSessionClosed,
		fmt.Sprintf("session %s has ended", sessionID))
}

func invalidTransition(from, to contracts.SessionState) error {
	return contracts.NewValidationError(contracts.ErrInvalidTransition,
		fmt.Sprintf("cannot move session from %s to %s", from, to))
}

func hardOnly(a contracts.ContentAnalysis) []string {
	var out []string
	for _, bh := range a.BoundaryHits {
		if bh.Type != contracts.BoundaryHard {
			continue
		}
		dup := false
		for _, tw := range a.TriggerWarnings {
			if tw.Blocked && tw.Category == bh.Category {
				dup = true
				break
			}
		}
		for _, c := range out {
			if c == bh.Category {
				dup = true
			}
		}
		if !dup {
			out = append(out, bh.Category)
		}
	}
	return out
}
