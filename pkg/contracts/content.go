package contracts

import (
	"maps"
	"slices"
)

// ContentKind is the medium of a generated artifact.
type ContentKind string

const (
	ContentVisual  ContentKind = "visual"
	ContentMusical ContentKind = "musical"
	ContentTextual ContentKind = "textual"
)

// Content is a generated (or about to be generated) artifact presented for
// validation. Text carries prompts, captions or lyrics; Tags carry the
// generating engine's own labels.
type Content struct {
	ID                string            `json:"id"`
	Kind              ContentKind       `json:"kind"`
	Text              string            `json:"text,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	DeclaredIntensity IntensityLevel    `json:"declared_intensity"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// TriggerWarning describes one trigger category found in content.
type TriggerWarning struct {
	Category    string         `json:"category"`
	Severity    IntensityLevel `json:"severity"`
	Description string         `json:"description"`
	Blocked     bool           `json:"blocked"`  // completely blocked by the user
	Exceeded    bool           `json:"exceeded"` // above the user's max intensity
}

// BoundaryHit records a user boundary touched by the content.
type BoundaryHit struct {
	BoundaryID string       `json:"boundary_id"`
	Type       BoundaryType `json:"type"`
	Category   string       `json:"category"`
	Action     SafetyAction `json:"action"`
}

// ContentAnalysis is the immutable output of the risk assessor.
type ContentAnalysis struct {
	ContentID          string           `json:"content_id"`
	UserID             string           `json:"user_id"`
	Intensity          IntensityLevel   `json:"intensity"`
	TriggerWarnings    []TriggerWarning `json:"trigger_warnings"`
	BoundaryHits       []BoundaryHit    `json:"boundary_hits,omitempty"`
	OverallRisk        RiskLevel        `json:"overall_risk"`
	RecommendedActions []SafetyAction   `json:"recommended_actions"`
	Reason             string           `json:"reason"`
}

// Clone returns a deep copy.
func (a ContentAnalysis) Clone() ContentAnalysis {
	out := a
	out.TriggerWarnings = slices.Clone(a.TriggerWarnings)
	out.BoundaryHits = slices.Clone(a.BoundaryHits)
	out.RecommendedActions = slices.Clone(a.RecommendedActions)
	return out
}

// BlockedCategories lists categories that must never pass: completely
// blocked preferences and hard boundaries.
func (a ContentAnalysis) BlockedCategories() []string {
	var out []string
	for _, tw := range a.TriggerWarnings {
		if tw.Blocked {
			out = append(out, tw.Category)
		}
	}
	for _, bh := range a.BoundaryHits {
		if bh.Type == BoundaryHard && !slices.Contains(out, bh.Category) {
			out = append(out, bh.Category)
		}
	}
	return out
}

// ExceededCategories lists categories above the user's intensity ceiling.
func (a ContentAnalysis) ExceededCategories() []string {
	var out []string
	for _, tw := range a.TriggerWarnings {
		if tw.Exceeded && !tw.Blocked {
			out = append(out, tw.Category)
		}
	}
	return out
}

// Recommends reports whether the analysis recommends action.
func (a ContentAnalysis) Recommends(action SafetyAction) bool {
	return slices.Contains(a.RecommendedActions, action)
}

// Clone returns a deep copy of the content.
func (c Content) Clone() Content {
	out := c
	out.Tags = slices.Clone(c.Tags)
	out.Metadata = maps.Clone(c.Metadata)
	return out
}
