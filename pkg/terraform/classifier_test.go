package terraform

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultClassifier(t *testing.T) {
	c := DefaultClassifier()

	tests := map[string]struct {
		op   Operation
		line string
		want Verdict
	}{
		"apply complete":               {op: OperationApply, line: "Apply complete! Resources: 2 added, 0 changed, 0 destroyed.", want: Confirmed},
		"apply complete with colors":   {op: OperationApply, line: "\x1b[0m\x1b[1m\x1b[32mApply complete!\x1b[0m", want: Confirmed},
		"older apply wording":          {op: OperationApply, line: "Terraform has completed the apply", want: Confirmed},
		"destroy complete":             {op: OperationDestroy, line: "Destroy complete! Resources: 4 destroyed.", want: Confirmed},
		"destroy by count only":        {op: OperationDestroy, line: "Resources: 12 destroyed", want: Confirmed},
		"destroy reported as apply":    {op: OperationDestroy, line: "Apply complete! Resources: 0 added, 0 changed, 3 destroyed.", want: Confirmed},
		"plan with changes":            {op: OperationPlan, line: "Plan: 1 to add, 0 to change, 0 to destroy.", want: Confirmed},
		"plan without changes":         {op: OperationPlan, line: "No changes. Your infrastructure matches the configuration.", want: Confirmed},
		"init":                         {op: OperationInit, line: "Terraform has been successfully initialized!", want: Confirmed},
		"progress line is unconfirmed": {op: OperationApply, line: "aws_instance.web: Still creating... [10s elapsed]", want: Unconfirmed},
		"destroy phrase on apply":      {op: OperationApply, line: "Destroy complete!", want: Unconfirmed},
		"count without destroyed word": {op: OperationDestroy, line: "Resources: 3 added", want: Unconfirmed},
		"apply phrase on unknown op":   {op: "refresh", line: "Apply complete!", want: Unconfirmed},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.op, tc.line))
		})
	}
}

func TestPhraseClassifierIsReplaceable(t *testing.T) {
	c := &PhraseClassifier{
		Patterns: map[Operation][]*regexp.Regexp{
			OperationApply: {regexp.MustCompile(`^Apply finished in \d+s$`)},
		},
	}
	assert.Equal(t, Confirmed, c.Classify(OperationApply, "Apply finished in 12s"))
	assert.Equal(t, Unconfirmed, c.Classify(OperationApply, "Apply complete!"))
	assert.Equal(t, "confirmed", Confirmed.String())
	assert.Equal(t, "unconfirmed", Unconfirmed.String())
}
