// Package assessor implements the content risk assessor. Given content and
// a user profile it produces an immutable ContentAnalysis. Trigger detection
// is delegated to an injected Classifier; everything after classification is
// a pure function of its inputs.
package assessor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Config tunes the analysis.
type Config struct {
	// EscalationCategoryCount is the number of co-occurring trigger
	// categories above which overall risk is raised one level.
	EscalationCategoryCount int `yaml:"escalation_category_count" json:"escalation_category_count"`
	// WarnRatio is the fraction of a user's max intensity from which a
	// category is flagged with a warning.
	WarnRatio float64 `yaml:"warn_ratio" json:"warn_ratio"`
}

// DefaultConfig returns the default analysis settings.
func DefaultConfig() Config {
	return Config{EscalationCategoryCount: 3, WarnRatio: 0.8}
}

// Assessor runs the analysis pipeline.
type Assessor struct {
	classifier Classifier
	cfg        Config
}

// New creates an assessor. Zero config fields take their defaults.
func New(classifier Classifier, cfg Config) *Assessor {
	def := DefaultConfig()
	if cfg.EscalationCategoryCount <= 0 {
		cfg.EscalationCategoryCount = def.EscalationCategoryCount
	}
	if cfg.WarnRatio <= 0 || cfg.WarnRatio > 1 {
		cfg.WarnRatio = def.WarnRatio
	}
	return &Assessor{classifier: classifier, cfg: cfg}
}

// Analyze classifies content and evaluates it against the profile. A
// classifier failure is reported as a SystemError wrapping
// ErrClassifierUnavailable so the caller can apply its fallback behaviour.
func (a *Assessor) Analyze(ctx context.Context, content contracts.Content, profile contracts.UserSafetyProfile) (contracts.ContentAnalysis, error) {
	if a.classifier == nil {
		return contracts.ContentAnalysis{}, contracts.NewSystemError(contracts.ErrClassifierUnavailable,
			"content could not be assessed", ErrNoClassifier, false)
	}
	cls, err := a.classifier.Classify(ctx, content)
	if err != nil {
		return contracts.ContentAnalysis{}, contracts.NewSystemError(contracts.ErrClassifierUnavailable,
			"content could not be assessed", err, false)
	}
	return a.Evaluate(content, profile, cls), nil
}

// Evaluate maps a classification onto a profile. It is deterministic and
// does not retain or mutate its inputs.
func (a *Assessor) Evaluate(content contracts.Content, profile contracts.UserSafetyProfile, cls Classification) contracts.ContentAnalysis {
	cls = Merge(cls)

	analysis := contracts.ContentAnalysis{
		ContentID: content.ID,
		UserID:    profile.UserID,
		Intensity: maxIntensity(content.DeclaredIntensity, cls.Intensity),
	}

	base := profile.RiskLevel
	if !base.Valid() {
		base = contracts.RiskLow
	}
	overall := base

	actions := []contracts.SafetyAction{}
	var reasons []string

	for _, m := range cls.Matches {
		analysis.Intensity = maxIntensity(analysis.Intensity, m.Severity)
		overall = contracts.MaxRisk(overall, m.Severity.Risk())

		tw := contracts.TriggerWarning{
			Category:    m.Category,
			Severity:    m.Severity,
			Description: m.Description,
		}
		if tw.Description == "" {
			tw.Description = "content touches " + m.Category
		}

		pref, hasPref := profile.Preference(m.Category)
		switch {
		case hasPref && pref.CompletelyBlocked:
			tw.Blocked = true
			actions = append(actions, contracts.ActionBlock)
			reasons = append(reasons, fmt.Sprintf("%s is blocked in your safety preferences", m.Category))
		case hasPref && m.Severity > pref.MaxIntensity:
			tw.Exceeded = true
			actions = append(actions, contracts.ActionModify)
			reasons = append(reasons, fmt.Sprintf("%s intensity %s is above your limit of %s", m.Category, m.Severity, pref.MaxIntensity))
		case hasPref && pref.MaxIntensity > contracts.IntensityNone &&
			float64(m.Severity) >= a.cfg.WarnRatio*float64(pref.MaxIntensity):
			actions = append(actions, contracts.ActionWarn)
			reasons = append(reasons, fmt.Sprintf("%s is close to your intensity limit", m.Category))
		case slices.Contains(profile.TriggerCategories, m.Category):
			actions = append(actions, contracts.ActionWarn)
			reasons = append(reasons, fmt.Sprintf("content touches your declared trigger %s", m.Category))
		}
		analysis.TriggerWarnings = append(analysis.TriggerWarnings, tw)

		for _, b := range profile.BoundariesFor(m.Category) {
			hit := contracts.BoundaryHit{BoundaryID: b.ID, Type: b.Type, Category: m.Category}
			switch b.Type {
			case contracts.BoundaryHard:
				hit.Action = contracts.ActionBlock
				reasons = append(reasons, fmt.Sprintf("%s crosses a hard boundary", m.Category))
			case contracts.BoundarySoft:
				hit.Action = contracts.ActionWarn
				if len(b.Actions) > 0 {
					hit.Action = b.Actions[0]
				}
				reasons = append(reasons, fmt.Sprintf("%s touches a soft boundary", m.Category))
			default:
				hit.Action = contracts.ActionWarn
				reasons = append(reasons, fmt.Sprintf("%s touches a negotiable boundary", m.Category))
			}
			actions = append(actions, hit.Action)
			analysis.BoundaryHits = append(analysis.BoundaryHits, hit)
		}
	}

	if len(cls.Matches) > a.cfg.EscalationCategoryCount {
		overall = overall.Bump()
		reasons = append(reasons, fmt.Sprintf("%d trigger categories occur together", len(cls.Matches)))
	}
	analysis.OverallRisk = overall

	if overall == contracts.RiskCritical {
		actions = append(actions, contracts.ActionEscalate)
		reasons = append(reasons, "overall risk is critical")
	}
	if len(actions) == 0 {
		actions = append(actions, contracts.ActionContinue)
	}
	analysis.RecommendedActions = orderActions(actions)
	analysis.Reason = strings.Join(dedupe(reasons), "; ")
	return analysis
}

func maxIntensity(a, b contracts.IntensityLevel) contracts.IntensityLevel {
	if b > a {
		return b
	}
	return a
}

// orderActions dedupes actions and sorts them most severe first.
func orderActions(in []contracts.SafetyAction) []contracts.SafetyAction {
	out := make([]contracts.SafetyAction, 0, len(in))
	for _, a := range in {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(x, y contracts.SafetyAction) int {
		return y.Severity() - x.Severity()
	})
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
