package assessor

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Term is a lexicon entry. Multi-word terms match consecutive words.
type Term struct {
	Text     string                   `yaml:"text" json:"text"`
	Severity contracts.IntensityLevel `yaml:"severity" json:"severity"`
}

// Lexicon maps a trigger category to the terms that indicate it.
type Lexicon map[string][]Term

// KeywordClassifier matches normalized words of the content text against a
// lexicon. Text is NFKC-normalized and case-folded before matching, so
// full-width and mixed-case spellings match the same entry.
type KeywordClassifier struct {
	entries []keywordEntry
}

type keywordEntry struct {
	category string
	needle   string // " word word "
	severity contracts.IntensityLevel
}

// NewKeywordClassifier prepares a classifier for the lexicon.
func NewKeywordClassifier(lex Lexicon) *KeywordClassifier {
	k := &KeywordClassifier{}
	for category, terms := range lex {
		for _, t := range terms {
			words := tokenize(t.Text)
			if len(words) == 0 {
				continue
			}
			k.entries = append(k.entries, keywordEntry{
				category: category,
				needle:   " " + strings.Join(words, " ") + " ",
				severity: t.Severity,
			})
		}
	}
	sort.Slice(k.entries, func(i, j int) bool {
		if k.entries[i].category != k.entries[j].category {
			return k.entries[i].category < k.entries[j].category
		}
		return k.entries[i].needle < k.entries[j].needle
	})
	return k
}

func (k *KeywordClassifier) Classify(_ context.Context, c contracts.Content) (Classification, error) {
	words := tokenize(c.Text)
	if len(words) == 0 {
		return Classification{}, nil
	}
	haystack := " " + strings.Join(words, " ") + " "

	var matches []Match
	for _, e := range k.entries {
		if strings.Contains(haystack, e.needle) {
			matches = append(matches, Match{
				Category:    e.category,
				Severity:    e.severity,
				Description: "text mentions " + strings.TrimSpace(e.needle),
			})
		}
	}
	return Merge(Classification{Matches: matches}), nil
}

func tokenize(s string) []string {
	folded := cases.Fold().String(norm.NFKC.String(s))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
