package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/sanctuary/pkg/assessor"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/pacing"
	"github.com/Mindburn-Labs/sanctuary/pkg/profile"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy holds the tunable safety rules: risk weights, classifier rules and
// the pacing ladder.
type Policy struct {
	Weights   profile.Weights  `yaml:"weights"`
	Assessor  assessor.Config  `yaml:"assessor"`
	Lexicon   assessor.Lexicon `yaml:"lexicon"`
	Rules     []assessor.Rule  `yaml:"rules"`
	KnownTags []string         `yaml:"known_tags"`
	// TagSeverity applies to engine tags that carry no level.
	TagSeverity contracts.IntensityLevel `yaml:"tag_severity"`
	Pacing      pacing.Policy            `yaml:"pacing"`
	// ProfileSeeds is a YAML seed file, relative to the policy file.
	ProfileSeeds string `yaml:"profile_seeds"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	p, err := parsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in policy is invalid: %v", err))
	}
	return p
}

// LoadPolicy reads a policy file layered over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %q: %w", path, err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if p.ProfileSeeds != "" && !filepath.IsAbs(p.ProfileSeeds) {
		p.ProfileSeeds = filepath.Join(filepath.Dir(path), p.ProfileSeeds)
	}
	return p, nil
}

func parsePolicy(data []byte) (Policy, error) {
	p := Policy{
		Weights:     profile.DefaultWeights(),
		Assessor:    assessor.DefaultConfig(),
		Pacing:      pacing.DefaultPolicy(),
		TagSeverity: contracts.IntensityModerate,
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks that the rules compile and the thresholds are ordered.
func (p Policy) Validate() error {
	var errs []error
	w := p.Weights
	if !(w.ModerateAt < w.HighAt && w.HighAt < w.CriticalAt) {
		errs = append(errs, fmt.Errorf("policy weights: thresholds must increase (moderate %.1f, high %.1f, critical %.1f)",
			w.ModerateAt, w.HighAt, w.CriticalAt))
	}
	if p.Pacing.Window <= 0 {
		errs = append(errs, errors.New("policy pacing: window must be positive"))
	}
	for cat, terms := range p.Lexicon {
		for _, t := range terms {
			if t.Text == "" {
				errs = append(errs, fmt.Errorf("policy lexicon %q: empty term", cat))
			}
		}
	}
	if len(p.Rules) > 0 {
		if _, err := assessor.NewCELClassifier(p.Rules); err != nil {
			errs = append(errs, fmt.Errorf("policy rules: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Classifier builds the classifier chain described by the policy.
func (p Policy) Classifier() (assessor.Classifier, error) {
	known := make(map[string]bool, len(p.KnownTags))
	for _, t := range p.KnownTags {
		known[t] = true
	}
	chain := assessor.Chain{
		assessor.NewKeywordClassifier(p.Lexicon),
		assessor.TagClassifier{DefaultSeverity: p.TagSeverity, Known: known},
	}
	if len(p.Rules) > 0 {
		cel, err := assessor.NewCELClassifier(p.Rules)
		if err != nil {
			return nil, fmt.Errorf("compile policy rules: %w", err)
		}
		chain = append(chain, cel)
	}
	return chain, nil
}
