package terraform

import (
	"iter"
	"strings"

	"github.com/fourclicks/deployd/pkg/progress"
)

// WarningPrefix marks lines the runner forwards as warnings.
const WarningPrefix = "⚠️ "

// Events turns the lines of a run into progress events: a starting event,
// one event per line, the final verdict and stream_end. A run without
// errors whose output never confirmed completion ends with a warning, not
// an error.
func Events(req Request, lines iter.Seq2[string, error], c Classifier) iter.Seq[progress.Event] {
	return func(yield func(progress.Event) bool) {
		label := strings.TrimSpace(req.Project + " " + req.Workspace)
		if !yield(progress.New(progress.StatusStarting, "🚀 terraform %s %s", req.Operation, label)) {
			return
		}

		confirmed := false
		var runErr error
		for line, err := range lines {
			if err != nil {
				runErr = err
				break
			}
			ev := progress.Output(line)
			if strings.HasPrefix(line, WarningPrefix) {
				ev = progress.New(progress.StatusWarning, "%s", line)
			} else if c.Classify(req.Operation, line) == Confirmed {
				confirmed = true
			}
			if !yield(ev) {
				return
			}
		}

		var final progress.Event
		switch {
		case runErr != nil:
			final = progress.Errorf("terraform %s failed: %s", req.Operation, runErr)
		case confirmed:
			final = progress.New(progress.StatusSuccess, "✅ terraform %s completed", req.Operation)
		default:
			final = progress.New(progress.StatusWarning,
				"%sterraform %s exited cleanly but completion was not confirmed by its output", WarningPrefix, req.Operation)
		}
		if yield(final) {
			yield(progress.StreamEnd())
		}
	}
}
