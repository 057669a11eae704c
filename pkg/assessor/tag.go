package assessor

import (
	"context"
	"strings"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// TagClassifier trusts labels declared by the generating engine. A tag is
// either "category" (severity DefaultSeverity) or "category:level" where
// level is an intensity name. Tags whose category is not in Known are
// ignored when Known is non-empty.
type TagClassifier struct {
	DefaultSeverity contracts.IntensityLevel
	Known           map[string]bool
}

func (t TagClassifier) Classify(_ context.Context, c contracts.Content) (Classification, error) {
	var matches []Match
	for _, tag := range c.Tags {
		category, level, hasLevel := strings.Cut(strings.ToLower(strings.TrimSpace(tag)), ":")
		if category == "" {
			continue
		}
		if len(t.Known) > 0 && !t.Known[category] {
			continue
		}
		severity := t.DefaultSeverity
		if hasLevel {
			parsed, err := contracts.ParseIntensity(level)
			if err != nil {
				continue
			}
			severity = parsed
		}
		matches = append(matches, Match{
			Category:    category,
			Severity:    severity,
			Description: "engine tagged content as " + category,
		})
	}
	return Merge(Classification{Matches: matches}), nil
}
