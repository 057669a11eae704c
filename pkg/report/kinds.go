package report

import (
	"errors"
	"sort"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

const (
	emergencyRatioAlert = 0.10
	lowComfortAt        = 3
	comfortAlert        = 5.0
	trendAlert          = 0.25
)

// sessionsIn returns snapshots of the sessions started within rng.
func (g *Generator) sessionsIn(rng TimeRange) []contracts.SafetySession {
	var out []contracts.SafetySession
	for _, s := range g.sessions.Snapshots() {
		if rng.Contains(s.StartedAt) {
			out = append(out, s)
		}
	}
	return out
}

func (g *Generator) sessionSummary(b *builder, rng TimeRange) {
	sessions := g.sessionsIn(rng)
	total := len(sessions)
	b.set("sessions.total", float64(total))

	byState := make(map[contracts.SessionState]int)
	var ended, checkpoints int
	var duration time.Duration
	for _, s := range sessions {
		byState[s.State]++
		checkpoints += len(s.Checkpoints)
		if s.EndedAt != nil {
			ended++
			duration += s.EndedAt.Sub(s.StartedAt)
		}
	}
	for state, n := range byState {
		b.set("sessions.state."+string(state), float64(n))
	}
	b.set("sessions.ended", float64(ended))
	if ended > 0 {
		b.set("sessions.avg_duration_minutes", duration.Minutes()/float64(ended))
	}
	if total > 0 {
		b.set("sessions.avg_checkpoints", float64(checkpoints)/float64(total))
	}

	if total == 0 {
		b.insight("no sessions started in this period")
		return
	}
	completed := byState[contracts.StateCompleted]
	stopped := byState[contracts.StateEmergencyStop]
	b.insight("%d of %d sessions completed normally", completed, total)
	if stopped > 0 {
		b.insight("%d sessions ended in an emergency stop", stopped)
	}
	if float64(stopped)/float64(total) > emergencyRatioAlert {
		b.recommend("emergency stops exceed %.0f%% of sessions; review classifier sensitivity and default intensity", emergencyRatioAlert*100)
	}
	if paused := byState[contracts.StatePaused] + byState[contracts.StateSafeWordTriggered]; paused > 0 {
		b.recommend("%d sessions are waiting in a paused state; follow up with those users", paused)
	}
}

func (g *Generator) violationReport(b *builder, rng TimeRange) {
	byType := make(map[contracts.ViolationType]int)
	bySeverity := make(map[contracts.RiskLevel]int)
	byCategory := make(map[string]int)
	var total, unresolved int
	for _, s := range g.sessions.Snapshots() {
		for _, v := range s.Violations {
			if !rng.Contains(v.Timestamp) {
				continue
			}
			total++
			byType[v.Type]++
			bySeverity[v.Severity]++
			if v.Category != "" {
				byCategory[v.Category]++
			}
			if !v.Resolved {
				unresolved++
			}
		}
	}

	b.set("violations.total", float64(total))
	b.set("violations.unresolved", float64(unresolved))
	for t, n := range byType {
		b.set("violations.type."+string(t), float64(n))
	}
	for sev, n := range bySeverity {
		b.set("violations.severity."+string(sev), float64(n))
	}

	if total == 0 {
		b.insight("no safety violations recorded in this period")
		return
	}
	if cat, n := top(byCategory); cat != "" {
		b.insight("most frequent violation category: %s (%d)", cat, n)
	}
	if n := bySeverity[contracts.RiskCritical]; n > 0 {
		b.insight("%d violations were critical", n)
		b.recommend("review the sessions behind critical violations and confirm emergency contacts were reached")
	}
	if unresolved > 0 {
		b.recommend("%d violations remain unresolved", unresolved)
	}
	if byType[contracts.ViolationBoundary] > total/2 {
		b.recommend("boundary violations dominate; check that engines honour user boundaries before generation")
	}
}

func (g *Generator) userFeedback(b *builder, rng TimeRange) {
	var count, crisis, low, sum int
	for _, s := range g.sessions.Snapshots() {
		for _, fb := range s.Feedback {
			if !rng.Contains(fb.Timestamp) {
				continue
			}
			count++
			sum += fb.Comfort
			if fb.Crisis {
				crisis++
			}
			if fb.Comfort < lowComfortAt {
				low++
			}
		}
	}
	b.set("feedback.total", float64(count))
	b.set("feedback.crisis", float64(crisis))
	b.set("feedback.low_comfort", float64(low))
	if count == 0 {
		b.insight("no user feedback received in this period")
		return
	}
	avg := float64(sum) / float64(count)
	b.set("feedback.avg_comfort", avg)
	b.insight("average comfort %.1f across %d responses", avg, count)
	if crisis > 0 {
		b.insight("%d responses reported a crisis", crisis)
		b.recommend("confirm follow-up for every crisis report")
	}
	if avg < comfortAlert {
		b.recommend("average comfort is below %.0f; consider lowering default intensity ceilings", comfortAlert)
	}
}

func (g *Generator) systemHealth(b *builder, rng TimeRange) {
	active := 0
	for _, s := range g.sessions.Snapshots() {
		if !s.State.Terminal() {
			active++
		}
	}
	b.set("sessions.open", float64(active))

	if g.events == nil {
		b.insight("audit trail not configured")
		b.recommend("enable the audit log to track system errors")
		return
	}

	b.set("audit.entries", float64(g.events.Len()))
	sysErrors := len(g.events.Query(audit.Filter{Types: []audit.EventType{audit.EventSystemError}, Since: rng.From, Until: rng.To}))
	stops := len(g.events.Query(audit.Filter{Types: []audit.EventType{audit.EventEmergencyStopAll}, Since: rng.From, Until: rng.To}))
	b.set("system.errors", float64(sysErrors))
	b.set("system.emergency_stop_all", float64(stops))

	if err := g.events.VerifyChain(); err != nil {
		b.set("audit.chain_valid", 0)
		if errors.Is(err, audit.ErrChainBroken) {
			b.insight("audit chain verification failed: %v", err)
		}
		b.recommend("investigate audit log tampering or storage corruption")
	} else {
		b.set("audit.chain_valid", 1)
		b.insight("audit chain intact")
	}

	if sysErrors > 0 {
		b.insight("%d system errors degraded to fallback behaviour", sysErrors)
		b.recommend("check classifier and persistence availability")
	}
	if stops > 0 {
		b.insight("global emergency stop was issued %d times", stops)
	}
}

func (g *Generator) trendAnalysis(b *builder, rng TimeRange) {
	from := rng.From
	if from.IsZero() {
		from = rng.To.Add(-7 * 24 * time.Hour)
	}
	mid := from.Add(rng.To.Sub(from) / 2)
	first := TimeRange{From: from, To: mid}
	second := TimeRange{From: mid.Add(time.Nanosecond), To: rng.To}

	count := func(r TimeRange) (sessions, violations, emergencies int) {
		for _, s := range g.sessions.Snapshots() {
			if r.Contains(s.StartedAt) {
				sessions++
			}
			for _, v := range s.Violations {
				if r.Contains(v.Timestamp) {
					violations++
				}
			}
			for _, e := range s.EmergencyActions {
				if r.Contains(e.Timestamp) {
					emergencies++
				}
			}
		}
		return
	}
	s1, v1, e1 := count(first)
	s2, v2, e2 := count(second)

	b.set("trend.sessions.previous", float64(s1))
	b.set("trend.sessions.current", float64(s2))
	b.set("trend.violations.previous", float64(v1))
	b.set("trend.violations.current", float64(v2))
	b.set("trend.emergencies.previous", float64(e1))
	b.set("trend.emergencies.current", float64(e2))

	r1, r2 := rate(v1, s1), rate(v2, s2)
	b.set("trend.violation_rate.previous", r1)
	b.set("trend.violation_rate.current", r2)

	switch change := relative(r1, r2); {
	case s1+s2 == 0:
		b.insight("no sessions in either half of the period")
	case change > trendAlert:
		b.insight("violations per session rose %.0f%%", change*100)
		b.recommend("violation rate is rising; review recently registered engine integrations")
	case change < -trendAlert:
		b.insight("violations per session fell %.0f%%", -change*100)
	default:
		b.insight("violation rate is stable")
	}
	if e2 > e1 {
		b.insight("emergencies rose from %d to %d", e1, e2)
		b.recommend("audit emergency triggers for the current period")
	}
}

func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func relative(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 1
	}
	return (cur - prev) / prev
}

// top returns the key with the highest count, ties broken by name.
func top(m map[string]int) (string, int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, n := "", 0
	for _, k := range keys {
		if m[k] > n {
			best, n = k, m[k]
		}
	}
	return best, n
}
