package assessor

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Rule is an operator-defined CEL predicate over the content. When Expr
// evaluates to true the content matches Category at Severity.
//
// The expression sees a single variable `content` with the fields id, kind,
// text, tags, declared_intensity and metadata, for example:
//
//	content.kind == "visual" && "gore" in content.tags
type Rule struct {
	Category    string                   `yaml:"category" json:"category"`
	Severity    contracts.IntensityLevel `yaml:"severity" json:"severity"`
	Expr        string                   `yaml:"expr" json:"expr"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
}

// CELClassifier evaluates compiled CEL rules against content.
type CELClassifier struct {
	rules    []Rule
	programs []cel.Program
}

// NewCELClassifier compiles every rule up front. A rule that does not
// compile, or does not return a bool, is rejected.
func NewCELClassifier(rules []Rule) (*CELClassifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	c := &CELClassifier{rules: make([]Rule, 0, len(rules))}
	for i, r := range rules {
		if r.Category == "" {
			return nil, fmt.Errorf("rule %d: category is required", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %d (%s): compile: %w", i, r.Category, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %d (%s): expression must return bool", i, r.Category)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): program: %w", i, r.Category, err)
		}
		c.rules = append(c.rules, r)
		c.programs = append(c.programs, prg)
	}
	return c, nil
}

func (c *CELClassifier) Classify(ctx context.Context, content contracts.Content) (Classification, error) {
	input := map[string]any{"content": contentInput(content)}

	var matches []Match
	for i, prg := range c.programs {
		out, _, err := prg.ContextEval(ctx, input)
		if err != nil {
			return Classification{}, fmt.Errorf("rule %s: eval: %w", c.rules[i].Category, err)
		}
		hit, ok := out.Value().(bool)
		if !ok {
			return Classification{}, fmt.Errorf("rule %s: result not bool", c.rules[i].Category)
		}
		if !hit {
			continue
		}
		desc := c.rules[i].Description
		if desc == "" {
			desc = "matched rule for " + c.rules[i].Category
		}
		matches = append(matches, Match{Category: c.rules[i].Category, Severity: c.rules[i].Severity, Description: desc})
	}
	return Merge(Classification{Matches: matches}), nil
}

func contentInput(c contracts.Content) map[string]any {
	tags := make([]string, len(c.Tags))
	copy(tags, c.Tags)
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"id":                 c.ID,
		"kind":               string(c.Kind),
		"text":               c.Text,
		"tags":               tags,
		"declared_intensity": int64(c.DeclaredIntensity),
		"metadata":           meta,
	}
}
