// Package report builds operational safety reports from session snapshots
// and the audit trail.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sanctuary/pkg/archive"
	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Kind names a report.
type Kind string

const (
	KindSessionSummary  Kind = "session_summary"
	KindViolationReport Kind = "violation_report"
	KindUserFeedback    Kind = "user_feedback"
	KindSystemHealth    Kind = "system_health"
	KindTrendAnalysis   Kind = "trend_analysis"
)

// Kinds lists every supported report kind.
func Kinds() []Kind {
	return []Kind{KindSessionSummary, KindViolationReport, KindUserFeedback, KindSystemHealth, KindTrendAnalysis}
}

// ParseKind validates a report kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", contracts.NewValidationError(contracts.ErrUnknownReportKind,
		fmt.Sprintf("unknown report kind %q", s))
}

// TimeRange bounds the events a report covers. A zero To means now; a zero
// From means the beginning of recorded history.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls within the range, inclusive.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	return !t.After(r.To)
}

// SafetyReport is the output of Generate.
type SafetyReport struct {
	ID              string             `json:"id"`
	Kind            Kind               `json:"kind"`
	Range           TimeRange          `json:"range"`
	GeneratedAt     time.Time          `json:"generated_at"`
	Metrics         map[string]float64 `json:"metrics"`
	Insights        []string           `json:"insights"`
	Recommendations []string           `json:"recommendations"`
	// Digest is the archive address of the report body, set when archived.
	Digest string `json:"digest,omitempty"`
}

// MetricNames returns the metric keys in sorted order.
func (r SafetyReport) MetricNames() []string {
	names := make([]string, 0, len(r.Metrics))
	for k := range r.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Sessions supplies session snapshots.
type Sessions interface {
	Snapshots() []contracts.SafetySession
}

// Events supplies audit entries.
type Events interface {
	Query(f audit.Filter) []audit.Entry
	VerifyChain() error
	Len() int
}

// Generator builds reports. It holds no state between calls.
type Generator struct {
	sessions Sessions
	events   Events
	clock    func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	archive archive.Store
}

// NewGenerator creates a generator. events may be nil, in which case the
// audit-derived metrics are omitted.
func NewGenerator(sessions Sessions, events Events) *Generator {
	return &Generator{
		sessions: sessions,
		events:   events,
		clock:    time.Now,
		logger:   slog.Default().With("component", "report"),
	}
}

// WithClock overrides the clock for testing.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// SetArchive enables archival of every generated report.
func (g *Generator) SetArchive(s archive.Store) {
	g.mu.Lock()
	g.archive = s
	g.mu.Unlock()
}

// Generate builds the report of the given kind over rng.
func (g *Generator) Generate(ctx context.Context, kind Kind, rng TimeRange) (SafetyReport, error) {
	now := g.clock().UTC()
	if rng.To.IsZero() {
		rng.To = now
	}
	if !rng.From.IsZero() && rng.From.After(rng.To) {
		return SafetyReport{}, contracts.NewValidationError(contracts.ErrInvalidTimeRange,
			"report range starts after it ends")
	}

	b := &builder{metrics: make(map[string]float64)}
	switch kind {
	case KindSessionSummary:
		g.sessionSummary(b, rng)
	case KindViolationReport:
		g.violationReport(b, rng)
	case KindUserFeedback:
		g.userFeedback(b, rng)
	case KindSystemHealth:
		g.systemHealth(b, rng)
	case KindTrendAnalysis:
		g.trendAnalysis(b, rng)
	default:
		return SafetyReport{}, contracts.NewValidationError(contracts.ErrUnknownReportKind,
			fmt.Sprintf("unknown report kind %q", kind))
	}

	rep := SafetyReport{
		ID:              uuid.NewString(),
		Kind:            kind,
		Range:           rng,
		GeneratedAt:     now,
		Metrics:         b.metrics,
		Insights:        nonNil(b.insights),
		Recommendations: nonNil(b.recommendations),
	}
	rep.Digest = g.store(ctx, rep)
	return rep, nil
}

// store archives the report and returns its digest. Failures are logged.
func (g *Generator) store(ctx context.Context, rep SafetyReport) string {
	g.mu.RLock()
	s := g.archive
	g.mu.RUnlock()
	if s == nil {
		return ""
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		g.logger.ErrorContext(ctx, "report encode failed", "report_id", rep.ID, "error", err)
		return ""
	}
	digest, err := s.Put(ctx, data)
	if err != nil {
		g.logger.ErrorContext(ctx, "report archive failed", "report_id", rep.ID, "kind", rep.Kind, "error", err)
		return ""
	}
	g.logger.InfoContext(ctx, "report archived", "report_id", rep.ID, "kind", rep.Kind, "digest", digest)
	return digest
}

type builder struct {
	metrics         map[string]float64
	insights        []string
	recommendations []string
}

func (b *builder) set(name string, v float64) { b.metrics[name] = v }

func (b *builder) insight(format string, args ...any) {
	b.insights = append(b.insights, fmt.Sprintf(format, args...))
}

func (b *builder) recommend(format string, args ...any) {
	b.recommendations = append(b.recommendations, fmt.Sprintf(format, args...))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
