// Package pacing implements trauma-informed pacing.
//
// A Guard tracks, per session, how much intense content was delivered over a
// sliding window and escalates through a graded response: Observe → Slow →
// Pause. Each item is weighted by its intensity relative to "moderate", so
// a stream of extreme content escalates faster than a stream of mild
// content. A level is entered only after its rate threshold has been
// exceeded for the sustain period and left one step at a time after the
// cooldown.
package pacing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Level is the pacing response.
type Level int

const (
	// LevelObserve lets content through.
	LevelObserve Level = iota
	// LevelSlow asks the engine to slow down; the verdict is at least warn.
	LevelSlow
	// LevelPause pauses the session.
	LevelPause
)

func (l Level) String() string {
	switch l {
	case LevelObserve:
		return "OBSERVE"
	case LevelSlow:
		return "SLOW"
	case LevelPause:
		return "PAUSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// UnmarshalText accepts observe, slow or pause in any case.
func (l *Level) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "observe":
		*l = LevelObserve
	case "slow":
		*l = LevelSlow
	case "pause":
		*l = LevelPause
	default:
		return fmt.Errorf("unknown pacing level %q", b)
	}
	return nil
}

// Action maps the level onto a safety action.
func (l Level) Action() contracts.SafetyAction {
	switch l {
	case LevelSlow:
		return contracts.ActionWarn
	case LevelPause:
		return contracts.ActionPause
	default:
		return contracts.ActionContinue
	}
}

// Threshold defines the trigger for one level. MaxRate is in weighted items
// per minute.
type Threshold struct {
	Level         Level         `yaml:"level" json:"level"`
	MaxRate       float64       `yaml:"max_rate_per_minute" json:"max_rate_per_minute"`
	SustainedFor  time.Duration `yaml:"sustained_for" json:"sustained_for"`
	CooldownAfter time.Duration `yaml:"cooldown_after" json:"cooldown_after"`
}

// Policy is the pacing ladder.
type Policy struct {
	Window     time.Duration `yaml:"window" json:"window"`
	Thresholds []Threshold   `yaml:"thresholds" json:"thresholds"` // ordered by level
}

// DefaultPolicy returns the default pacing ladder.
func DefaultPolicy() Policy {
	return Policy{
		Window: 10 * time.Minute,
		Thresholds: []Threshold{
			{Level: LevelSlow, MaxRate: 1.0, SustainedFor: 2 * time.Minute, CooldownAfter: 5 * time.Minute},
			{Level: LevelPause, MaxRate: 3.0, SustainedFor: 1 * time.Minute, CooldownAfter: 10 * time.Minute},
		},
	}
}

// Decision is the result of one evaluation.
type Decision struct {
	Level  Level
	Action contracts.SafetyAction
	Rate   float64 // weighted items per minute in the window
	Reason string
}

// Weight returns the pacing weight of an item of the given intensity.
func Weight(i contracts.IntensityLevel) float64 {
	return float64(i+1) / float64(contracts.IntensityModerate+1)
}

type sample struct {
	at     time.Time
	weight float64
}

type tracker struct {
	samples      []sample
	level        Level
	levelSince   time.Time
	sustainStart map[Level]time.Time
}

// Guard tracks pacing for many sessions.
type Guard struct {
	mu       sync.Mutex
	policy   Policy
	sessions map[string]*tracker
	clock    func() time.Time
}

// NewGuard creates a guard with the given policy.
func NewGuard(policy Policy) *Guard {
	if policy.Window <= 0 {
		policy.Window = DefaultPolicy().Window
	}
	return &Guard{
		policy:   policy,
		sessions: make(map[string]*tracker),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// Evaluate records one item for the session and returns the current pacing
// decision.
func (g *Guard) Evaluate(sessionID string, intensity contracts.IntensityLevel) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	t, ok := g.sessions[sessionID]
	if !ok {
		t = &tracker{levelSince: now, sustainStart: make(map[Level]time.Time)}
		g.sessions[sessionID] = t
	}
	t.samples = append(t.samples, sample{at: now, weight: Weight(intensity)})
	t.prune(now.Add(-g.policy.Window))

	rate := t.rate(g.policy.Window)
	g.deescalate(t, rate, now)
	g.escalate(t, rate, now)

	return Decision{
		Level:  t.level,
		Action: t.level.Action(),
		Rate:   rate,
		Reason: reason(t.level, rate),
	}
}

// Level returns the session's current level without recording an item.
func (g *Guard) Level(sessionID string) Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.sessions[sessionID]; ok {
		return t.level
	}
	return LevelObserve
}

// Reset clears the session's history, for example when it resumes after a
// pause.
func (g *Guard) Reset(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// Forget drops state for sessions that have ended.
func (g *Guard) Forget(sessionID string) {
	g.Reset(sessionID)
}

func (t *tracker) prune(cutoff time.Time) {
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = t.samples[i:]
	}
}

func (t *tracker) rate(window time.Duration) float64 {
	mins := window.Minutes()
	if mins <= 0 {
		return 0
	}
	total := 0.0
	for _, s := range t.samples {
		total += s.weight
	}
	return total / mins
}

func (g *Guard) escalate(t *tracker, rate float64, now time.Time) {
	for _, th := range g.policy.Thresholds {
		if th.Level <= t.level {
			continue
		}
		if rate < th.MaxRate {
			delete(t.sustainStart, th.Level)
			continue
		}
		start, exists := t.sustainStart[th.Level]
		if !exists {
			t.sustainStart[th.Level] = now
			start = now
		}
		if now.Sub(start) >= th.SustainedFor {
			t.level = th.Level
			t.levelSince = now
			for level := range t.sustainStart {
				if level <= th.Level {
					delete(t.sustainStart, level)
				}
			}
		}
	}
}

func (g *Guard) deescalate(t *tracker, rate float64, now time.Time) {
	if t.level == LevelObserve {
		return
	}
	for _, th := range g.policy.Thresholds {
		if th.Level != t.level {
			continue
		}
		if rate < th.MaxRate && now.Sub(t.levelSince) >= th.CooldownAfter {
			t.level--
			t.levelSince = now
			for level := range t.sustainStart {
				if level >= th.Level {
					delete(t.sustainStart, level)
				}
			}
		}
		return
	}
}

func reason(l Level, rate float64) string {
	switch l {
	case LevelSlow:
		return fmt.Sprintf("content is arriving quickly (%.1f weighted items per minute); slowing down", rate)
	case LevelPause:
		return fmt.Sprintf("too much intense content in a short time (%.1f weighted items per minute); taking a break", rate)
	default:
		return fmt.Sprintf("pacing normal (%.1f weighted items per minute)", rate)
	}
}
