// Package contracts defines the data model shared by every component of the
// safety session framework: user safety profiles, content analyses, sessions
// and their append-only histories, and the typed error taxonomy.
//
// Values in this package carry no behaviour beyond ordering helpers and deep
// copies. Ownership rules:
//   - UserSafetyProfile is owned by the profile store and mutated only through it.
//   - ContentAnalysis is immutable once produced.
//   - SafetySession history lists are appended only by the session state machine.
package contracts

import "fmt"

// RiskLevel is the coarse risk classification of a user or a piece of content.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskModerate: 1,
	RiskHigh:     2,
	RiskCritical: 3,
}

var riskByRank = []RiskLevel{RiskLow, RiskModerate, RiskHigh, RiskCritical}

// Rank returns the ordinal of the level. Unknown levels rank as low.
func (r RiskLevel) Rank() int {
	return riskRank[r]
}

// Valid reports whether r is one of the enumerated levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Exceeds reports whether r is strictly above other.
func (r RiskLevel) Exceeds(other RiskLevel) bool {
	return r.Rank() > other.Rank()
}

// Bump returns the next level up, saturating at critical.
func (r RiskLevel) Bump() RiskLevel {
	next := r.Rank() + 1
	if next >= len(riskByRank) {
		return RiskCritical
	}
	return riskByRank[next]
}

// MaxRisk returns the highest of the given levels (low when empty).
func MaxRisk(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// ParseRiskLevel converts a string into a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}

// IntensityLevel measures how intense a piece of content is, on a 0..5 scale.
type IntensityLevel int

const (
	IntensityNone IntensityLevel = iota
	IntensityMinimal
	IntensityLow
	IntensityModerate
	IntensityHigh
	IntensityExtreme
)

var intensityNames = map[IntensityLevel]string{
	IntensityNone:     "none",
	IntensityMinimal:  "minimal",
	IntensityLow:      "low",
	IntensityModerate: "moderate",
	IntensityHigh:     "high",
	IntensityExtreme:  "extreme",
}

// String implements fmt.Stringer for IntensityLevel.
func (i IntensityLevel) String() string {
	if n, ok := intensityNames[i]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(i))
}

// MarshalText encodes the level by name.
func (i IntensityLevel) MarshalText() ([]byte, error) {
	n, ok := intensityNames[i]
	if !ok {
		return nil, fmt.Errorf("invalid intensity level %d", int(i))
	}
	return []byte(n), nil
}

// UnmarshalText decodes a level from its name.
func (i *IntensityLevel) UnmarshalText(text []byte) error {
	v, err := ParseIntensity(string(text))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// ParseIntensity converts a name into an IntensityLevel.
func ParseIntensity(s string) (IntensityLevel, error) {
	for level, name := range intensityNames {
		if name == s {
			return level, nil
		}
	}
	return IntensityNone, fmt.Errorf("unknown intensity level %q", s)
}

// Risk maps a content intensity onto the risk scale.
func (i IntensityLevel) Risk() RiskLevel {
	switch {
	case i >= IntensityExtreme:
		return RiskCritical
	case i >= IntensityHigh:
		return RiskHigh
	case i >= IntensityModerate:
		return RiskModerate
	default:
		return RiskLow
	}
}

// ConsentStatus tracks whether a user agreed to intensity-gated sessions.
type ConsentStatus string

const (
	ConsentNotGiven  ConsentStatus = "not_given"
	ConsentPending   ConsentStatus = "pending"
	ConsentGranted   ConsentStatus = "granted"
	ConsentWithdrawn ConsentStatus = "withdrawn"
	ConsentExpired   ConsentStatus = "expired"
)

// Valid reports whether c is one of the enumerated statuses.
func (c ConsentStatus) Valid() bool {
	switch c {
	case ConsentNotGiven, ConsentPending, ConsentGranted, ConsentWithdrawn, ConsentExpired:
		return true
	}
	return false
}

// SafetyAction is the verdict returned to callers and the action attached to
// boundaries.
type SafetyAction string

const (
	ActionContinue  SafetyAction = "continue"
	ActionWarn      SafetyAction = "warn"
	ActionModify    SafetyAction = "modify" // reduce intensity
	ActionPause     SafetyAction = "pause"
	ActionBlock     SafetyAction = "block"
	ActionEscalate  SafetyAction = "escalate"
	ActionTerminate SafetyAction = "terminate"
)

var actionSeverity = map[SafetyAction]int{
	ActionContinue:  0,
	ActionWarn:      1,
	ActionModify:    2,
	ActionBlock:     3,
	ActionPause:     4,
	ActionEscalate:  5,
	ActionTerminate: 6,
}

// Severity orders actions from least to most disruptive.
func (a SafetyAction) Severity() int {
	return actionSeverity[a]
}

// Valid reports whether a is one of the enumerated actions.
func (a SafetyAction) Valid() bool {
	_, ok := actionSeverity[a]
	return ok
}

// MostSevere returns the most disruptive of the given actions.
func MostSevere(actions ...SafetyAction) SafetyAction {
	out := ActionContinue
	for _, a := range actions {
		if a.Severity() > out.Severity() {
			out = a
		}
	}
	return out
}

// RequiresFallback reports whether an engine must substitute fallback content.
func (a SafetyAction) RequiresFallback() bool {
	return a == ActionBlock || a == ActionEscalate
}
