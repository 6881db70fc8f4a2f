package terraform

import (
	"regexp"
	"strings"

	"github.com/fourclicks/deployd/pkg/process"
)

// Verdict is what a classifier concluded from one line of output.
type Verdict int

const (
	// Unconfirmed means the line says nothing about success. It is never a
	// failure.
	Unconfirmed Verdict = iota
	// Confirmed means the line reports the operation completed.
	Confirmed
)

func (v Verdict) String() string {
	if v == Confirmed {
		return "confirmed"
	}
	return "unconfirmed"
}

// Classifier maps free-text tool output to a completion verdict.
type Classifier interface {
	Classify(op Operation, line string) Verdict
}

// PhraseClassifier confirms operations by known completion phrases. Lines
// are compared without ANSI escapes.
type PhraseClassifier struct {
	Phrases  map[Operation][]string
	Patterns map[Operation][]*regexp.Regexp
}

var destroyedPattern = regexp.MustCompile(`Resources: \d+ destroyed`)

// DefaultClassifier returns the phrase classifier for the wording of current
// and past terraform releases.
func DefaultClassifier() *PhraseClassifier {
	return &PhraseClassifier{
		Phrases: map[Operation][]string{
			OperationApply: {
				"Apply complete!",
				"Apply successful!",
				"Terraform has completed the apply",
				"has been successfully applied",
			},
			OperationDestroy: {
				"Destroy complete!",
				"Apply complete!",
			},
			OperationPlan: {
				"No changes.",
				"Plan: ",
			},
			OperationInit: {
				"Terraform has been successfully initialized!",
			},
		},
		Patterns: map[Operation][]*regexp.Regexp{
			OperationDestroy: {destroyedPattern},
		},
	}
}

// Classify implements Classifier.
func (c *PhraseClassifier) Classify(op Operation, line string) Verdict {
	line = process.StripANSI(line)
	for _, p := range c.Phrases[op] {
		if strings.Contains(line, p) {
			return Confirmed
		}
	}
	for _, re := range c.Patterns[op] {
		if re.MatchString(line) {
			return Confirmed
		}
	}
	return Unconfirmed
}
