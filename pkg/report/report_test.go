package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sanctuary/pkg/archive"
	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedSessions []contracts.SafetySession

func (f fixedSessions) Snapshots() []contracts.SafetySession { return f }

func at(d time.Duration) time.Time { return base.Add(d) }

func endedAt(d time.Duration) *time.Time {
	t := at(d)
	return &t
}

func fixture() fixedSessions {
	return fixedSessions{
		{
			ID: "s-old", UserID: "u0", State: contracts.StateCompleted,
			StartedAt: at(-72 * time.Hour), EndedAt: endedAt(-71 * time.Hour),
		},
		{
			ID: "s-1", UserID: "u1", State: contracts.StateCompleted,
			StartedAt: at(-20 * time.Hour), EndedAt: endedAt(-19 * time.Hour),
			Checkpoints: make([]contracts.SafetyCheckpoint, 4),
			Feedback: []contracts.UserFeedback{
				{Timestamp: at(-19*time.Hour - time.Minute), Comfort: 8},
			},
		},
		{
			ID: "s-2", UserID: "u2", State: contracts.StateEmergencyStop,
			StartedAt: at(-3 * time.Hour), EndedAt: endedAt(-2 * time.Hour),
			Checkpoints: make([]contracts.SafetyCheckpoint, 2),
			Violations: []contracts.SafetyViolation{
				{ID: "v1", Timestamp: at(-150 * time.Minute), Type: contracts.ViolationBoundary, Category: "violence", Severity: contracts.RiskCritical},
				{ID: "v2", Timestamp: at(-140 * time.Minute), Type: contracts.ViolationBoundary, Category: "violence", Severity: contracts.RiskHigh, Resolved: true},
				{ID: "v3", Timestamp: at(-130 * time.Minute), Type: contracts.ViolationIntensity, Category: "horror", Severity: contracts.RiskHigh},
			},
			EmergencyActions: []contracts.EmergencyAction{
				{ID: "e1", Timestamp: at(-2 * time.Hour), Trigger: contracts.TriggerAutomaticDetection, Action: contracts.ResponseTerminate},
			},
			Feedback: []contracts.UserFeedback{
				{Timestamp: at(-125 * time.Minute), Comfort: 1, Crisis: true},
			},
		},
		{
			ID: "s-3", UserID: "u3", State: contracts.StatePaused,
			StartedAt: at(-1 * time.Hour),
		},
	}
}

func newTestGenerator(events Events) *Generator {
	return NewGenerator(fixture(), events).WithClock(func() time.Time { return base })
}

func lastDay() TimeRange { return TimeRange{From: at(-24 * time.Hour)} }

func TestGenerate_UnknownKind(t *testing.T) {
	g := newTestGenerator(nil)
	_, err := g.Generate(context.Background(), Kind("weather"), lastDay())
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrUnknownReportKind))
	assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
}

func TestGenerate_InvertedRange(t *testing.T) {
	g := newTestGenerator(nil)
	_, err := g.Generate(context.Background(), KindSessionSummary, TimeRange{From: at(time.Hour), To: at(-time.Hour)})
	assert.ErrorIs(t, err, contracts.ErrInvalidTimeRange)
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("nope")
	assert.ErrorIs(t, err, contracts.ErrUnknownReportKind)
}

func TestSessionSummary(t *testing.T) {
	rep, err := newTestGenerator(nil).Generate(context.Background(), KindSessionSummary, lastDay())
	require.NoError(t, err)

	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, base, rep.GeneratedAt)
	assert.Equal(t, base, rep.Range.To)
	assert.Equal(t, 3.0, rep.Metrics["sessions.total"])
	assert.Equal(t, 2.0, rep.Metrics["sessions.ended"])
	assert.Equal(t, 60.0, rep.Metrics["sessions.avg_duration_minutes"])
	assert.Equal(t, 2.0, rep.Metrics["sessions.avg_checkpoints"])
	assert.Equal(t, 1.0, rep.Metrics["sessions.state.EMERGENCY_STOP"])
	assert.Contains(t, rep.Insights, "1 of 3 sessions completed normally")
	assert.Len(t, rep.Recommendations, 2)
	assert.Empty(t, rep.Digest)
}

func TestViolationReport(t *testing.T) {
	rep, err := newTestGenerator(nil).Generate(context.Background(), KindViolationReport, lastDay())
	require.NoError(t, err)

	assert.Equal(t, 3.0, rep.Metrics["violations.total"])
	assert.Equal(t, 2.0, rep.Metrics["violations.unresolved"])
	assert.Equal(t, 2.0, rep.Metrics["violations.type.boundary"])
	assert.Equal(t, 1.0, rep.Metrics["violations.severity.critical"])
	assert.Contains(t, rep.Insights, "most frequent violation category: violence (2)")
	assert.Contains(t, rep.Recommendations, "2 violations remain unresolved")
}

func TestViolationReport_Empty(t *testing.T) {
	rng := TimeRange{From: at(-100 * time.Hour), To: at(-90 * time.Hour)}
	rep, err := newTestGenerator(nil).Generate(context.Background(), KindViolationReport, rng)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rep.Metrics["violations.total"])
	assert.Equal(t, []string{"no safety violations recorded in this period"}, rep.Insights)
	assert.NotNil(t, rep.Recommendations)
}

func TestUserFeedback(t *testing.T) {
	rep, err := newTestGenerator(nil).Generate(context.Background(), KindUserFeedback, lastDay())
	require.NoError(t, err)

	assert.Equal(t, 2.0, rep.Metrics["feedback.total"])
	assert.Equal(t, 1.0, rep.Metrics["feedback.crisis"])
	assert.Equal(t, 1.0, rep.Metrics["feedback.low_comfort"])
	assert.InDelta(t, 4.5, rep.Metrics["feedback.avg_comfort"], 1e-9)
	assert.Contains(t, rep.Recommendations, "confirm follow-up for every crisis report")
}

func TestSystemHealth(t *testing.T) {
	log := audit.NewLog().WithClock(func() time.Time { return at(-time.Hour) })
	ctx := context.Background()
	_, err := log.Append(ctx, audit.EventSessionCreated, "s-3", "u3", "", map[string]string{"state": "ACTIVE"})
	require.NoError(t, err)
	_, err = log.Append(ctx, audit.EventSystemError, "s-3", "u3", "block", map[string]string{"code": "classifier unavailable"})
	require.NoError(t, err)

	rep, err := newTestGenerator(log).Generate(ctx, KindSystemHealth, lastDay())
	require.NoError(t, err)

	assert.Equal(t, 1.0, rep.Metrics["sessions.open"])
	assert.Equal(t, 2.0, rep.Metrics["audit.entries"])
	assert.Equal(t, 1.0, rep.Metrics["system.errors"])
	assert.Equal(t, 1.0, rep.Metrics["audit.chain_valid"])
	assert.Contains(t, rep.Recommendations, "check classifier and persistence availability")
}

func TestSystemHealth_WithoutAudit(t *testing.T) {
	rep, err := newTestGenerator(nil).Generate(context.Background(), KindSystemHealth, lastDay())
	require.NoError(t, err)
	assert.Contains(t, rep.Insights, "audit trail not configured")
	assert.NotContains(t, rep.Metrics, "audit.chain_valid")
}

func TestTrendAnalysis(t *testing.T) {
	rep, err := newTestGenerator(nil).Generate(context.Background(), KindTrendAnalysis, lastDay())
	require.NoError(t, err)

	assert.Equal(t, 1.0, rep.Metrics["trend.sessions.previous"])
	assert.Equal(t, 2.0, rep.Metrics["trend.sessions.current"])
	assert.Equal(t, 0.0, rep.Metrics["trend.violations.previous"])
	assert.Equal(t, 3.0, rep.Metrics["trend.violations.current"])
	assert.Equal(t, 1.5, rep.Metrics["trend.violation_rate.current"])
	assert.Contains(t, rep.Insights, "emergencies rose from 0 to 1")
	assert.NotEmpty(t, rep.Recommendations)
}

func TestGenerate_Archives(t *testing.T) {
	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	g := newTestGenerator(nil)
	g.SetArchive(store)

	rep, err := g.Generate(context.Background(), KindSessionSummary, lastDay())
	require.NoError(t, err)
	require.NotEmpty(t, rep.Digest)

	ok, err := store.Exists(context.Background(), rep.Digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMetricNamesSorted(t *testing.T) {
	rep := SafetyReport{Metrics: map[string]float64{"b": 1, "a": 2, "c": 3}}
	assert.Equal(t, []string{"a", "b", "c"}, rep.MetricNames())
}
