// Package framework is the single entry point content-generation engines
// use: it composes the profile store, content assessor, session state
// machine, emergency dispatcher, pacing guard and safety monitor behind one
// API, and records every safety event in the audit log and metrics.
package framework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/sanctuary/pkg/archive"
	"github.com/Mindburn-Labs/sanctuary/pkg/assessor"
	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/emergency"
	"github.com/Mindburn-Labs/sanctuary/pkg/monitor"
	"github.com/Mindburn-Labs/sanctuary/pkg/observability"
	"github.com/Mindburn-Labs/sanctuary/pkg/pacing"
	"github.com/Mindburn-Labs/sanctuary/pkg/profile"
	"github.com/Mindburn-Labs/sanctuary/pkg/report"
	"github.com/Mindburn-Labs/sanctuary/pkg/session"
)

// Version is the framework version engine integrations are checked against.
const Version = "1.4.0"

// FallbackBehavior is applied when content cannot be assessed.
type FallbackBehavior string

const (
	FallbackSafeDefault        FallbackBehavior = "safe_default"
	FallbackReducedIntensity   FallbackBehavior = "reduced_intensity"
	FallbackAlternativeContent FallbackBehavior = "alternative_content"
	FallbackSessionPause       FallbackBehavior = "session_pause"
)

// Action returns the verdict the fallback yields.
func (f FallbackBehavior) Action() contracts.SafetyAction {
	switch f {
	case FallbackReducedIntensity:
		return contracts.ActionModify
	case FallbackSessionPause:
		return contracts.ActionPause
	default:
		return contracts.ActionBlock
	}
}

// Config tunes the framework. Zero fields take their defaults.
type Config struct {
	RiskCeiling contracts.RiskLevel
	MaxWorkers  int64
	// CallTimeout bounds every call to an external collaborator: the
	// classifier, profile persistence and contact notification.
	CallTimeout time.Duration
	Fallback    FallbackBehavior
	Assessor    assessor.Config
	Pacing      pacing.Policy
	Monitor     monitor.Config
	Emergency   emergency.Config
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		RiskCeiling: contracts.RiskHigh,
		MaxWorkers:  32,
		CallTimeout: 2 * time.Second,
		Fallback:    FallbackSafeDefault,
		Assessor:    assessor.DefaultConfig(),
		Pacing:      pacing.DefaultPolicy(),
		Monitor:     monitor.DefaultConfig(),
		Emergency:   emergency.DefaultConfig(),
	}
}

// Deps are the collaborators the framework is built from. Only Classifier
// is required.
type Deps struct {
	Profiles   *profile.Store
	Classifier assessor.Classifier
	Notifier   emergency.Notifier
	Audit      *audit.Log
	Archive    archive.Store
	Telemetry  *observability.Provider
	Clock      func() time.Time
}

// Framework is the safety facade.
type Framework struct {
	cfg       Config
	profiles  *profile.Store
	assessor  *assessor.Assessor
	sessions  *session.Machine
	guard     *pacing.Guard
	emergency *emergency.Dispatcher
	monitor   *monitor.Monitor
	audit     *audit.Log
	reports   *report.Generator
	telemetry *observability.Provider
	pool      *semaphore.Weighted
	clock     func() time.Time
	logger    *slog.Logger

	intMu        sync.RWMutex
	integrations map[string]*EngineIntegration

	bg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New builds a framework. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Framework, error) {
	if deps.Classifier == nil {
		return nil, errors.New("framework: a classifier is required")
	}
	cfg = withDefaults(cfg)

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	profiles := deps.Profiles
	if profiles == nil {
		profiles = profile.NewStore(profile.DefaultWeights()).WithClock(clock)
	}
	log := deps.Audit
	if log == nil {
		log = audit.NewLog().WithClock(clock)
	}
	telemetry := deps.Telemetry
	if telemetry == nil {
		var err error
		if telemetry, err = observability.New(context.Background(), &observability.Config{Enabled: false}); err != nil {
			return nil, fmt.Errorf("framework: telemetry: %w", err)
		}
	}

	// Emergency history must outlive the window the risk score reads.
	if lb := profiles.Weights().Lookback(); cfg.Monitor.HistoryRetention < lb {
		cfg.Monitor.HistoryRetention = lb
	}

	machine := session.NewMachine(profiles, cfg.RiskCeiling).WithClock(clock)
	profiles.SetEmergencyHistory(machine)

	f := &Framework{
		cfg:          cfg,
		profiles:     profiles,
		assessor:     assessor.New(deps.Classifier, cfg.Assessor),
		sessions:     machine,
		guard:        pacing.NewGuard(cfg.Pacing).WithClock(clock),
		emergency:    emergency.NewDispatcher(machine, profiles, deps.Notifier, cfg.Emergency),
		monitor:      monitor.New(machine, cfg.Monitor).WithClock(clock),
		audit:        log,
		reports:      report.NewGenerator(machine, log).WithClock(clock),
		telemetry:    telemetry,
		pool:         semaphore.NewWeighted(cfg.MaxWorkers),
		clock:        clock,
		logger:       slog.Default().With("component", "framework"),
		integrations: make(map[string]*EngineIntegration),
	}
	if deps.Archive != nil {
		f.reports.SetArchive(deps.Archive)
	}
	f.monitor.OnTimeout = func(ctx context.Context, sessionID string) {
		f.guard.Forget(sessionID)
	}
	machine.SetObserver(f.observe)
	if err := telemetry.ObserveSessions(func() int { return len(machine.ActiveSessionIDs()) }); err != nil {
		return nil, fmt.Errorf("framework: %w", err)
	}
	return f, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if !cfg.RiskCeiling.Valid() {
		cfg.RiskCeiling = def.RiskCeiling
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Fallback == "" {
		cfg.Fallback = def.Fallback
	}
	if cfg.Pacing.Window <= 0 {
		cfg.Pacing = def.Pacing
	}
	if cfg.Emergency.CallTimeout <= 0 {
		cfg.Emergency.CallTimeout = cfg.CallTimeout
	}
	return cfg
}

// Start launches the safety monitor.
func (f *Framework) Start(ctx context.Context) error {
	return f.monitor.Start(ctx)
}

// Close stops the monitor and waits for in-flight validations,
// notifications and background profile updates, or for ctx to end.
func (f *Framework) Close(ctx context.Context) error {
	f.closeMu.Lock()
	if f.closed {
		f.closeMu.Unlock()
		return nil
	}
	f.closed = true
	f.closeMu.Unlock()

	f.monitor.Stop()
	if err := f.pool.Acquire(ctx, f.cfg.MaxWorkers); err != nil {
		return fmt.Errorf("drain workers: %w", err)
	}
	f.pool.Release(f.cfg.MaxWorkers)

	done := make(chan struct{})
	go func() {
		f.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.emergency.Wait(ctx)
}

// Sessions exposes the session state machine.
func (f *Framework) Sessions() *session.Machine { return f.sessions }

// Profiles exposes the profile store.
func (f *Framework) Profiles() *profile.Store { return f.profiles }

// Audit exposes the audit log.
func (f *Framework) Audit() *audit.Log { return f.audit }

// Monitor exposes the safety monitor, for manual sweeps.
func (f *Framework) Monitor() *monitor.Monitor { return f.monitor }

// CreateSession opens a session for a user. A profile missing from memory
// is loaded from the persistence backend first.
func (f *Framework) CreateSession(ctx context.Context, userID string) (s contracts.SafetySession, err error) {
	ctx, done := f.telemetry.TrackOperation(ctx, "create_session", attribute.String("user.id", userID))
	defer func() { done(err) }()

	if _, ok := f.profiles.Get(userID); !ok {
		if _, lerr := f.profiles.Load(ctx, userID); lerr != nil && !errors.Is(lerr, contracts.ErrProfileNotFound) {
			f.logger.WarnContext(ctx, "profile load failed", "user_id", userID, "error", lerr)
		}
	}
	return f.sessions.Create(userID)
}

// EndSession closes a session.
func (f *Framework) EndSession(ctx context.Context, sessionID, reason string) (err error) {
	_, done := f.telemetry.TrackOperation(ctx, "end_session", attribute.String("session.id", sessionID))
	defer func() { done(err) }()

	if err = f.sessions.EndSession(sessionID, reason); err != nil {
		return err
	}
	f.guard.Forget(sessionID)
	return nil
}

// GetSessionStatus returns the session's state, risk and open violations.
func (f *Framework) GetSessionStatus(sessionID string) (contracts.SessionStatus, error) {
	return f.sessions.Status(sessionID)
}

// GenerateReport builds a safety report.
func (f *Framework) GenerateReport(ctx context.Context, kind report.Kind, rng report.TimeRange) (report.SafetyReport, error) {
	return f.reports.Generate(ctx, kind, rng)
}

// EmergencyStopAll stops every open session and returns how many were
// stopped. It is safe to call concurrently with validation traffic.
func (f *Framework) EmergencyStopAll(ctx context.Context, reason string) int {
	n := f.emergency.DispatchGlobal(ctx, contracts.TriggerSystemError, reason)
	if _, err := f.audit.Append(ctx, audit.EventEmergencyStopAll, "", "", "terminate",
		map[string]any{"reason": reason, "stopped": n}); err != nil {
		f.logger.ErrorContext(ctx, "audit append failed", "type", audit.EventEmergencyStopAll, "error", err)
	}
	return n
}

// acquire takes a worker slot, honouring ctx.
func (f *Framework) acquire(ctx context.Context) (func(), error) {
	if err := f.pool.Acquire(ctx, 1); err != nil {
		return nil, contracts.NewSystemError(contracts.ErrBusy, "the safety service is busy, try again", err, false)
	}
	return func() { f.pool.Release(1) }, nil
}

// background runs fn tracked by Close. Work submitted after Close is
// dropped.
func (f *Framework) background(fn func()) {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.closed {
		return
	}
	f.bg.Add(1)
	go func() {
		defer f.bg.Done()
		fn()
	}()
}
