// Package emergency implements the EmergencyDispatcher: it routes emergency
// triggers to the session state machine and notifies the user's emergency
// contacts without ever delaying the safety transition.
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Sessions is the part of the session state machine the dispatcher drives.
type Sessions interface {
	Suspend(sessionID string, trigger contracts.EmergencyTrigger, reason string) (contracts.SafetyAction, error)
	HandleEmergency(sessionID string, trigger contracts.EmergencyTrigger, reason string) (contracts.SafetyAction, error)
	Snapshot(sessionID string) (contracts.SafetySession, error)
	ActiveSessionIDs() []string
}

// Profiles provides profile snapshots for contact lookup.
type Profiles interface {
	Get(userID string) (contracts.UserSafetyProfile, bool)
}

// Config tunes notification delivery.
type Config struct {
	CallTimeout time.Duration // per notification
	NotifyEvery time.Duration // sustained notification rate per user
	NotifyBurst int
}

// DefaultConfig returns the default notification settings.
func DefaultConfig() Config {
	return Config{CallTimeout: 2 * time.Second, NotifyEvery: time.Minute, NotifyBurst: 3}
}

// Result describes one dispatch.
type Result struct {
	Action  contracts.SafetyAction
	Record  contracts.EmergencyAction
	UserID  string
	Repeat  bool // no new emergency action was recorded
	Notices int  // notifications queued
}

// Dispatcher routes emergencies.
type Dispatcher struct {
	sessions Sessions
	profiles Profiles
	notifier Notifier
	cfg      Config

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. notifier may be nil, in which case no
// contacts are notified.
func NewDispatcher(sessions Sessions, profiles Profiles, notifier Notifier, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.NotifyEvery <= 0 {
		cfg.NotifyEvery = def.NotifyEvery
	}
	if cfg.NotifyBurst <= 0 {
		cfg.NotifyBurst = def.NotifyBurst
	}
	return &Dispatcher{
		sessions: sessions,
		profiles: profiles,
		notifier: notifier,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		logger:   slog.Default().With("component", "emergency"),
	}
}

// Dispatch applies an emergency trigger to a session. Safe words and user
// requests suspend the session; automatic detection and system errors stop
// it. Contacts are notified asynchronously after the transition.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, trigger contracts.EmergencyTrigger, reason string) (Result, error) {
	switch trigger {
	case contracts.TriggerSafeWord, contracts.TriggerUserRequest:
		return d.apply(ctx, sessionID, trigger, reason, false)
	case contracts.TriggerAutomaticDetection, contracts.TriggerSystemError:
		return d.apply(ctx, sessionID, trigger, reason, true)
	default:
		return Result{}, contracts.NewValidationError(contracts.ErrInvalidInteraction,
			fmt.Sprintf("unknown emergency trigger %q", trigger))
	}
}

// Stop applies an emergency stop regardless of the trigger kind, for
// example when the user explicitly asks to end everything.
func (d *Dispatcher) Stop(ctx context.Context, sessionID string, trigger contracts.EmergencyTrigger, reason string) (Result, error) {
	return d.apply(ctx, sessionID, trigger, reason, true)
}

func (d *Dispatcher) apply(ctx context.Context, sessionID string, trigger contracts.EmergencyTrigger, reason string, stop bool) (Result, error) {
	before, err := d.sessions.Snapshot(sessionID)
	if err != nil {
		return Result{}, err
	}

	var action contracts.SafetyAction
	if stop {
		action, err = d.sessions.HandleEmergency(sessionID, trigger, reason)
	} else {
		action, err = d.sessions.Suspend(sessionID, trigger, reason)
	}
	if err != nil {
		return Result{}, err
	}

	after, err := d.sessions.Snapshot(sessionID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Action: action, UserID: after.UserID, Repeat: len(after.EmergencyActions) == len(before.EmergencyActions)}
	if n := len(after.EmergencyActions); n > 0 {
		res.Record = after.EmergencyActions[n-1]
	}

	d.logger.WarnContext(ctx, "emergency dispatched",
		"session_id", sessionID, "user_id", after.UserID, "trigger", trigger, "action", action, "repeat", res.Repeat)

	if !res.Repeat {
		res.Notices = d.notifyContacts(ctx, sessionID, after.UserID, res.Record)
	}
	return res, nil
}

// DispatchGlobal stops every open session. Each stop is an independent
// per-session call; a session created during the sweep may be missed. It
// returns the number of sessions stopped.
func (d *Dispatcher) DispatchGlobal(ctx context.Context, trigger contracts.EmergencyTrigger, reason string) int {
	stopped := 0
	for _, id := range d.sessions.ActiveSessionIDs() {
		if _, err := d.sessions.HandleEmergency(id, trigger, reason); err != nil {
			d.logger.DebugContext(ctx, "global stop skipped session", "session_id", id, "error", err)
			continue
		}
		stopped++
		snap, err := d.sessions.Snapshot(id)
		if err == nil && len(snap.EmergencyActions) > 0 {
			d.notifyContacts(ctx, id, snap.UserID, snap.EmergencyActions[len(snap.EmergencyActions)-1])
		}
	}
	d.logger.WarnContext(ctx, "global emergency stop", "reason", reason, "stopped", stopped)
	return stopped
}

// Wait blocks until queued notifications finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) notifyContacts(ctx context.Context, sessionID, userID string, action contracts.EmergencyAction) int {
	if d.notifier == nil || d.profiles == nil {
		return 0
	}
	p, ok := d.profiles.Get(userID)
	if !ok || len(p.EmergencyContacts) == 0 {
		return 0
	}
	if !d.limiter(userID).Allow() {
		d.logger.WarnContext(ctx, "emergency notification throttled", "session_id", sessionID, "user_id", userID)
		return 0
	}

	queued := 0
	for _, c := range p.EmergencyContacts {
		n := Notification{SessionID: sessionID, UserID: userID, Contact: c, Action: action}
		d.wg.Add(1)
		queued++
		go func() {
			defer d.wg.Done()
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CallTimeout)
			defer cancel()
			if err := d.notifier.Notify(nctx, n); err != nil {
				d.logger.Error("emergency notification failed",
					"session_id", sessionID, "user_id", userID, "channel", n.Contact.Channel, "error", err)
			}
		}()
	}
	return queued
}

func (d *Dispatcher) limiter(userID string) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.cfg.NotifyEvery), d.cfg.NotifyBurst)
		d.limiters[userID] = l
	}
	return l
}
