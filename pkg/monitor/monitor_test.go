package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/session"
)

type profiles map[string]contracts.UserSafetyProfile

func (p profiles) Get(userID string) (contracts.UserSafetyProfile, bool) {
	v, ok := p[userID]
	return v, ok
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMachine() (*session.Machine, *clock) {
	clk := &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	ps := profiles{"alice": {UserID: "alice", RiskLevel: contracts.RiskLow, Consent: contracts.ConsentGranted}}
	return session.NewMachine(ps, contracts.RiskHigh).WithClock(clk.Now), clk
}

func TestSweepTimeouts_CompletesIdleSession(t *testing.T) {
	m, clk := newMachine()
	s, err := m.Create("alice")
	require.NoError(t, err)

	var timedOut []string
	mon := New(m, Config{SessionTimeout: 120 * time.Minute}).WithClock(clk.Now)
	mon.OnTimeout = func(_ context.Context, id string) { timedOut = append(timedOut, id) }

	clk.Advance(119 * time.Minute)
	res := mon.SweepTimeouts(context.Background())
	assert.Equal(t, 0, res.Processed)

	clk.Advance(2 * time.Minute)
	res = mon.SweepTimeouts(context.Background())
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{s.ID}, timedOut)

	snap, err := m.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, snap.State)
	assert.Equal(t, contracts.EndReasonTimeout, snap.EndReason)
}

func TestSweepTimeouts_PausedPerConfig(t *testing.T) {
	m, clk := newMachine()
	s, _ := m.Create("alice")
	require.NoError(t, m.Pause(s.ID, "test"))
	clk.Advance(3 * time.Hour)

	mon := New(m, Config{SessionTimeout: time.Hour}).WithClock(clk.Now)
	mon.cfg.ExemptPaused = true
	assert.Equal(t, 0, mon.SweepTimeouts(context.Background()).Processed)

	mon.cfg.ExemptPaused = false
	assert.Equal(t, 1, mon.SweepTimeouts(context.Background()).Processed)
}

func TestSweepTimeouts_PrunesClosedSessions(t *testing.T) {
	m, clk := newMachine()
	s, _ := m.Create("alice")
	require.NoError(t, m.EndSession(s.ID, "normal"))

	mon := New(m, Config{}).WithClock(clk.Now)
	clk.Advance(25 * time.Hour)
	res := mon.SweepTimeouts(context.Background())
	assert.Equal(t, 1, res.Pruned)
	_, err := m.Snapshot(s.ID)
	assert.ErrorIs(t, err, contracts.ErrSessionNotFound)
}

func TestSweepCheckpoints(t *testing.T) {
	m, _ := newMachine()
	s1, _ := m.Create("alice")
	s2, _ := m.Create("alice")
	require.NoError(t, m.EndSession(s2.ID, "normal"))

	mon := New(m, Config{})
	res := mon.SweepCheckpoints(context.Background())
	assert.Equal(t, 1, res.Processed)

	snap, _ := m.Snapshot(s1.ID)
	require.Len(t, snap.Checkpoints, 1)
	assert.Equal(t, contracts.CheckpointMonitor, snap.Checkpoints[0].Source)
	assert.Equal(t, "1", snap.Checkpoints[0].Extra["sweep"])
}

type flakySessions struct {
	*session.Machine
	failID string
}

func (f flakySessions) ExpireIfIdle(id string, now time.Time, timeout time.Duration, includePaused bool) (bool, error) {
	if id == f.failID {
		return false, errors.New("store unavailable")
	}
	return f.Machine.ExpireIfIdle(id, now, timeout, includePaused)
}

// touchAfterScan records activity on every session right after the idle
// scan, as a concurrent caller would.
type touchAfterScan struct {
	*session.Machine
}

func (s touchAfterScan) IdleSessions(now time.Time, timeout time.Duration, includePaused bool) []string {
	ids := s.Machine.IdleSessions(now, timeout, includePaused)
	for _, id := range ids {
		_ = s.Machine.Touch(id)
	}
	return ids
}

func TestSweepTimeouts_SparesSessionActiveAfterScan(t *testing.T) {
	m, clk := newMachine()
	s, _ := m.Create("alice")
	clk.Advance(3 * time.Hour)

	called := false
	mon := New(touchAfterScan{Machine: m}, Config{SessionTimeout: time.Hour}).WithClock(clk.Now)
	mon.OnTimeout = func(context.Context, string) { called = true }
	res := mon.SweepTimeouts(context.Background())
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.False(t, called)

	snap, err := m.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateActive, snap.State)
	assert.Empty(t, snap.Violations)
}

func TestSweepTimeouts_ToleratesFailures(t *testing.T) {
	m, clk := newMachine()
	a, _ := m.Create("alice")
	b, _ := m.Create("alice")
	clk.Advance(3 * time.Hour)

	mon := New(flakySessions{Machine: m, failID: a.ID}, Config{}).WithClock(clk.Now)
	res := mon.SweepTimeouts(context.Background())
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)

	snap, _ := m.Snapshot(b.ID)
	assert.Equal(t, contracts.StateCompleted, snap.State)
}

func TestStartStop(t *testing.T) {
	m, _ := newMachine()
	_, _ = m.Create("alice")
	mon := New(m, Config{CheckpointInterval: 5 * time.Millisecond, TimeoutInterval: 5 * time.Millisecond})

	require.NoError(t, mon.Start(context.Background()))
	assert.Error(t, mon.Start(context.Background()))
	assert.Eventually(t, func() bool {
		for _, s := range m.Snapshots() {
			if len(s.Checkpoints) > 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	mon.Stop()
	mon.Stop()
}
