package confirm

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"sentinel/internal/pipeline"
)

// MarkerTable classifies free-text answers of the vision-language service.
// The phrases must match what the prompt asks the model to say; bump
// Version whenever either changes.
type MarkerTable struct {
	Version  string
	Positive []string
	Negative []string
}

// DefaultMarkers is the marker table used with DefaultPrompt
var DefaultMarkers = MarkerTable{
	Version: "2026.1",
	Positive: []string{
		"person detected",
		"person present",
		"person visible",
		"human detected",
		"human present",
		"people visible",
		"someone is",
		"intruder",
	},
	Negative: []string{
		"no person",
		"no people",
		"no human",
		"no one",
		"nobody",
		"not a person",
		"false alarm",
		"empty scene",
		"only an animal",
	},
}

var folder = cases.Fold()

// normalize applies NFKC, case folding and collapses punctuation and
// whitespace into single spaces
func normalize(s string) string {
	s = folder.String(norm.NFKC.String(s))
	var b strings.Builder
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Validate checks that both sets are non-empty and disjoint after
// normalization
func (m MarkerTable) Validate() error {
	if len(m.Positive) == 0 || len(m.Negative) == 0 {
		return fmt.Errorf("marker table %s: positive and negative sets must not be empty", m.Version)
	}
	positive := make(map[string]bool, len(m.Positive))
	for _, p := range m.Positive {
		n := normalize(p)
		if n == "" {
			return fmt.Errorf("marker table %s: empty positive marker", m.Version)
		}
		positive[n] = true
	}
	for _, p := range m.Negative {
		n := normalize(p)
		if n == "" {
			return fmt.Errorf("marker table %s: empty negative marker", m.Version)
		}
		if positive[n] {
			return fmt.Errorf("marker table %s: %q is both positive and negative", m.Version, p)
		}
	}
	return nil
}

func contains(text string, phrases []string) bool {
	padded := " " + text + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+normalize(p)+" ") {
			return true
		}
	}
	return false
}

// HasNegative reports whether text contains a negative marker
func (m MarkerTable) HasNegative(text string) bool {
	return contains(normalize(text), m.Negative)
}

// Classify maps free text to a verdict. A negative marker always wins.
func (m MarkerTable) Classify(text string) pipeline.Verdict {
	n := normalize(text)
	switch {
	case contains(n, m.Negative):
		return pipeline.VerdictNegative
	case contains(n, m.Positive):
		return pipeline.VerdictPositive
	default:
		return pipeline.VerdictInconclusive
	}
}

// Interpret derives the verdict of a structured response. person_present
// decides when set, except that a negative marker in the text overrides a
// positive answer.
func (m MarkerTable) Interpret(r Response) pipeline.Verdict {
	text := r.Verdict + ". " + r.Description
	if r.PersonPresent != nil {
		if !*r.PersonPresent || m.HasNegative(text) {
			return pipeline.VerdictNegative
		}
		return pipeline.VerdictPositive
	}
	return m.Classify(text)
}
