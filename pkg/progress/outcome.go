package progress

import (
	"errors"
	"strings"
)

// Outcome follows a stream and remembers how it ended. A run succeeded only
// when the last event before stream_end is completed.
type Outcome struct {
	last    Event
	lastErr string
}

// Observe records ev.
func (o *Outcome) Observe(ev Event) {
	if ev.Status == StatusError {
		o.lastErr = ev.Message
	}
	if ev.Status != StatusStreamEnd {
		o.last = ev
	}
}

// Completed reports whether the stream ended with a completed event.
func (o *Outcome) Completed() bool {
	return o.last.Status == StatusCompleted
}

// Err returns nil for a completed stream, otherwise the most recent error
// message without its marker.
func (o *Outcome) Err() error {
	if o.Completed() {
		return nil
	}
	if o.lastErr == "" {
		return errors.New("stream ended without completing")
	}
	return errors.New(strings.TrimPrefix(o.lastErr, "❌ "))
}

// Failed reports whether the stream carried an error event.
func (o *Outcome) Failed() bool {
	return o.lastErr != ""
}
