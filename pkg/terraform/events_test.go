package terraform

import (
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fourclicks/deployd/pkg/progress"
)

func textLines(err error, text ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, t := range text {
			if !yield(t, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

func TestEvents(t *testing.T) {
	req := Request{Operation: OperationApply, Project: "shop", Workspace: "prod"}

	tests := map[string]struct {
		lines        iter.Seq2[string, error]
		wantStatuses []progress.Status
		wantFinal    string
	}{
		"confirmed": {
			lines: textLines(nil, "Plan: 1 to add", "Apply complete! Resources: 1 added, 0 changed, 0 destroyed."),
			wantStatuses: []progress.Status{progress.StatusStarting, progress.StatusOutput, progress.StatusOutput,
				progress.StatusSuccess, progress.StatusStreamEnd},
			wantFinal: "✅ terraform apply completed",
		},
		"unconfirmed is a warning": {
			lines: textLines(nil, "nothing useful"),
			wantStatuses: []progress.Status{progress.StatusStarting, progress.StatusOutput,
				progress.StatusWarning, progress.StatusStreamEnd},
			wantFinal: "⚠️ terraform apply exited cleanly but completion was not confirmed by its output",
		},
		"failure": {
			lines: textLines(errors.New("exit status 1"), "Error: bad"),
			wantStatuses: []progress.Status{progress.StatusStarting, progress.StatusOutput,
				progress.StatusError, progress.StatusStreamEnd},
			wantFinal: "❌ terraform apply failed: exit status 1",
		},
		"runner warnings are forwarded as warnings": {
			lines: textLines(nil, WarningPrefix+"no output for 30s"),
			wantStatuses: []progress.Status{progress.StatusStarting, progress.StatusWarning,
				progress.StatusWarning, progress.StatusStreamEnd},
			wantFinal: "⚠️ terraform apply exited cleanly but completion was not confirmed by its output",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var events []progress.Event
			for ev := range Events(req, tt.lines, DefaultClassifier()) {
				events = append(events, ev)
			}
			statuses := make([]progress.Status, len(events))
			for i, ev := range events {
				statuses[i] = ev.Status
			}
			assert.Equal(t, tt.wantStatuses, statuses)
			assert.Equal(t, "🚀 terraform apply shop prod", events[0].Message)
			assert.Equal(t, tt.wantFinal, events[len(events)-2].Message)
		})
	}
}

func TestEventsStopsWhenConsumerStops(t *testing.T) {
	pulled := 0
	lines := func(yield func(string, error) bool) {
		for range 10 {
			pulled++
			if !yield("line", nil) {
				return
			}
		}
	}

	count := 0
	for range Events(Request{Operation: OperationPlan}, lines, DefaultClassifier()) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 1, pulled)
}
