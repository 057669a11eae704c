package contracts

import (
	"slices"
	"time"
)

// BoundaryType classifies how strictly a boundary must be honoured.
type BoundaryType string

const (
	BoundaryHard       BoundaryType = "hard"
	BoundarySoft       BoundaryType = "soft"
	BoundaryNegotiable BoundaryType = "negotiable"
)

// Valid reports whether b is one of the enumerated boundary types.
func (b BoundaryType) Valid() bool {
	return b == BoundaryHard || b == BoundarySoft || b == BoundaryNegotiable
}

// ContentPreference is a user's per-category intensity ceiling.
type ContentPreference struct {
	Category          string         `json:"category" yaml:"category"`
	MaxIntensity      IntensityLevel `json:"max_intensity" yaml:"max_intensity"`
	CompletelyBlocked bool           `json:"completely_blocked" yaml:"completely_blocked"`
}

// Boundary is a user-declared limit on a trigger category. Actions are applied
// in order when the boundary is approached or crossed.
type Boundary struct {
	ID          string         `json:"id" yaml:"id"`
	Type        BoundaryType   `json:"type" yaml:"type"`
	Category    string         `json:"category" yaml:"category"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Actions     []SafetyAction `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// EmergencyContact is notified when a session is stopped for the user's safety.
type EmergencyContact struct {
	Name    string `json:"name" yaml:"name"`
	Channel string `json:"channel" yaml:"channel"` // webhook, email, sms
	Address string `json:"address" yaml:"address"`
}

// UserSafetyProfile is the per-user safety model.
type UserSafetyProfile struct {
	UserID             string              `json:"user_id" yaml:"user_id"`
	RiskLevel          RiskLevel           `json:"risk_level" yaml:"risk_level"`
	TriggerCategories  []string            `json:"trigger_categories" yaml:"trigger_categories"`
	ContentPreferences []ContentPreference `json:"content_preferences" yaml:"content_preferences"`
	Boundaries         []Boundary          `json:"boundaries" yaml:"boundaries"`
	EmergencyContacts  []EmergencyContact  `json:"emergency_contacts,omitempty" yaml:"emergency_contacts,omitempty"`
	SafeWords          []string            `json:"safe_words,omitempty" yaml:"safe_words,omitempty"`
	Consent            ConsentStatus       `json:"consent" yaml:"consent"`
	LastUpdated        time.Time           `json:"last_updated" yaml:"last_updated"`
}

// Clone returns a deep copy of the profile.
func (p UserSafetyProfile) Clone() UserSafetyProfile {
	out := p
	out.TriggerCategories = slices.Clone(p.TriggerCategories)
	out.ContentPreferences = slices.Clone(p.ContentPreferences)
	out.EmergencyContacts = slices.Clone(p.EmergencyContacts)
	out.SafeWords = slices.Clone(p.SafeWords)
	if p.Boundaries != nil {
		out.Boundaries = make([]Boundary, len(p.Boundaries))
		for i, b := range p.Boundaries {
			b.Actions = slices.Clone(b.Actions)
			out.Boundaries[i] = b
		}
	}
	return out
}

// Preference returns the content preference for a category, if declared.
func (p UserSafetyProfile) Preference(category string) (ContentPreference, bool) {
	for _, cp := range p.ContentPreferences {
		if cp.Category == category {
			return cp, true
		}
	}
	return ContentPreference{}, false
}

// CompletelyBlocked reports whether the user has blocked a category outright.
func (p UserSafetyProfile) CompletelyBlocked(category string) bool {
	cp, ok := p.Preference(category)
	return ok && cp.CompletelyBlocked
}

// BoundariesFor returns the boundaries declared on a category.
func (p UserSafetyProfile) BoundariesFor(category string) []Boundary {
	var out []Boundary
	for _, b := range p.Boundaries {
		if b.Category == category {
			out = append(out, b)
		}
	}
	return out
}

// HardBoundaryCount counts hard boundaries.
func (p UserSafetyProfile) HardBoundaryCount() int {
	n := 0
	for _, b := range p.Boundaries {
		if b.Type == BoundaryHard {
			n++
		}
	}
	return n
}

// SoftBoundaryCount counts soft and negotiable boundaries.
func (p UserSafetyProfile) SoftBoundaryCount() int {
	return len(p.Boundaries) - p.HardBoundaryCount()
}

// HasHardLimit reports whether any category is hard-bounded or completely blocked.
func (p UserSafetyProfile) HasHardLimit() bool {
	if p.HardBoundaryCount() > 0 {
		return true
	}
	for _, cp := range p.ContentPreferences {
		if cp.CompletelyBlocked {
			return true
		}
	}
	return false
}

// IsSafeWord reports whether word is one of the user's declared safe words.
// A profile without declared safe words accepts any word.
func (p UserSafetyProfile) IsSafeWord(word string) bool {
	if len(p.SafeWords) == 0 {
		return true
	}
	return slices.Contains(p.SafeWords, word)
}
