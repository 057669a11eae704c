// Package monitor runs the background safety sweeps: periodic checkpoints
// for open sessions and inactivity timeouts. It is the only component that
// changes session state without a caller action.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Sessions is the part of the session state machine the monitor drives.
type Sessions interface {
	ActiveSessionIDs() []string
	IdleSessions(now time.Time, timeout time.Duration, includePaused bool) []string
	RecordMonitorCheckpoint(sessionID string, extra map[string]string) error
	ExpireIfIdle(sessionID string, now time.Time, timeout time.Duration, includePaused bool) (bool, error)
	Prune(before time.Time) int
	TrimHistory(before time.Time)
}

// Config holds sweep timing.
type Config struct {
	CheckpointInterval time.Duration
	TimeoutInterval    time.Duration
	SessionTimeout     time.Duration
	ExemptPaused       bool          // paused sessions never time out
	Retention          time.Duration // closed sessions are kept this long
	HistoryRetention   time.Duration // emergency history used for risk scoring
}

// DefaultConfig returns the default sweep timing.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 30 * time.Second,
		TimeoutInterval:    60 * time.Second,
		SessionTimeout:     120 * time.Minute,
		Retention:          24 * time.Hour,
		HistoryRetention:   7 * 24 * time.Hour,
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Processed int
	Failed    int
	Pruned    int
}

// Monitor runs the sweeps.
type Monitor struct {
	sessions Sessions
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger

	// OnTimeout is called after a session is ended by the timeout sweep.
	OnTimeout func(ctx context.Context, sessionID string)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	sweepNo int64
}

// New creates a monitor. Zero config fields take their defaults.
func New(sessions Sessions, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.TimeoutInterval <= 0 {
		cfg.TimeoutInterval = def.TimeoutInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	return &Monitor{
		sessions: sessions,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "monitor"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Start launches the background loop. It returns an error if the monitor
// is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("monitor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.InfoContext(ctx, "safety monitor started",
		"checkpoint_interval", m.cfg.CheckpointInterval, "timeout_interval", m.cfg.TimeoutInterval)
	return nil
}

// Stop cancels the loop and waits for the sweep in progress to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	cp := time.NewTicker(m.cfg.CheckpointInterval)
	defer cp.Stop()
	to := time.NewTicker(m.cfg.TimeoutInterval)
	defer to.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cp.C:
			m.SweepCheckpoints(ctx)
		case <-to.C:
			m.SweepTimeouts(ctx)
		}
	}
}

// SweepCheckpoints records a monitor checkpoint on every open session.
// Per-session failures are logged and counted.
func (m *Monitor) SweepCheckpoints(ctx context.Context) SweepResult {
	m.mu.Lock()
	m.sweepNo++
	n := m.sweepNo
	m.mu.Unlock()

	var res SweepResult
	for _, id := range m.sessions.ActiveSessionIDs() {
		if ctx.Err() != nil {
			break
		}
		err := m.sessions.RecordMonitorCheckpoint(id, map[string]string{"sweep": strconv.FormatInt(n, 10)})
		if err != nil {
			if !errors.Is(err, contracts.ErrSessionClosed) {
				res.Failed++
				m.logger.WarnContext(ctx, "checkpoint sweep failed for session", "session_id", id, "error", err)
			}
			continue
		}
		res.Processed++
	}
	return res
}

// SweepTimeouts ends sessions idle for longer than the session timeout and
// prunes closed sessions past retention.
func (m *Monitor) SweepTimeouts(ctx context.Context) SweepResult {
	now := m.clock()
	var res SweepResult
	includePaused := !m.cfg.ExemptPaused
	for _, id := range m.sessions.IdleSessions(now, m.cfg.SessionTimeout, includePaused) {
		if ctx.Err() != nil {
			break
		}
		expired, err := m.sessions.ExpireIfIdle(id, now, m.cfg.SessionTimeout, includePaused)
		if err != nil {
			if !errors.Is(err, contracts.ErrSessionClosed) {
				res.Failed++
				m.logger.WarnContext(ctx, "timeout sweep failed for session", "session_id", id, "error", err)
			}
			continue
		}
		if !expired {
			continue
		}
		res.Processed++
		m.logger.InfoContext(ctx, "session timed out", "session_id", id)
		if m.OnTimeout != nil {
			m.OnTimeout(ctx, id)
		}
	}
	res.Pruned = m.sessions.Prune(now.Add(-m.cfg.Retention))
	m.sessions.TrimHistory(now.Add(-m.cfg.HistoryRetention))
	return res
}
