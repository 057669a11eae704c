package assessor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Match is one raw trigger category found by a classifier.
type Match struct {
	Category    string                   `json:"category" yaml:"category"`
	Severity    contracts.IntensityLevel `json:"severity" yaml:"severity"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Classification is the raw output of a classifier: trigger matches and an
// intensity estimate for the whole artifact.
type Classification struct {
	Matches   []Match
	Intensity contracts.IntensityLevel
}

// Classifier inspects content and reports trigger matches. Implementations
// must be deterministic for identical input.
type Classifier interface {
	Classify(ctx context.Context, c contracts.Content) (Classification, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, c contracts.Content) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, c contracts.Content) (Classification, error) {
	return f(ctx, c)
}

// Chain runs several classifiers and merges their results. Any classifier
// error fails the whole chain.
type Chain []Classifier

func (ch Chain) Classify(ctx context.Context, c contracts.Content) (Classification, error) {
	results := make([]Classification, 0, len(ch))
	for i, cl := range ch {
		if err := ctx.Err(); err != nil {
			return Classification{}, err
		}
		res, err := cl.Classify(ctx, c)
		if err != nil {
			return Classification{}, fmt.Errorf("classifier %d: %w", i, err)
		}
		results = append(results, res)
	}
	return Merge(results...), nil
}

// Merge combines classifications keeping the highest severity per category.
// The result is sorted by category.
func Merge(results ...Classification) Classification {
	byCat := make(map[string]Match)
	var out Classification
	for _, r := range results {
		if r.Intensity > out.Intensity {
			out.Intensity = r.Intensity
		}
		for _, m := range r.Matches {
			if m.Category == "" {
				continue
			}
			cur, ok := byCat[m.Category]
			if !ok || m.Severity > cur.Severity || (m.Severity == cur.Severity && cur.Description == "") {
				byCat[m.Category] = m
			}
		}
	}
	for _, m := range byCat {
		out.Matches = append(out.Matches, m)
	}
	sort.Slice(out.Matches, func(i, j int) bool { return out.Matches[i].Category < out.Matches[j].Category })
	return out
}

// ErrNoClassifier is returned by an Assessor built without a classifier.
var ErrNoClassifier = errors.New("assessor: no classifier configured")
