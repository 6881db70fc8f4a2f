// Package progress defines the progress event protocol streamed to clients
// while a task or terraform operation runs, and its Server-Sent-Events
// framing.
package progress

import "fmt"

// Status is the kind of a progress event.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusPreparing Status = "preparing"
	StatusExecuting Status = "executing"
	StatusOutput    Status = "output"
	StatusWarning   Status = "warning"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
	StatusStreamEnd Status = "stream_end"
)

// Validate checks the status is a known one.
func (s Status) Validate() error {
	switch s {
	case StatusStarting, StatusPreparing, StatusExecuting, StatusOutput, StatusWarning,
		StatusSuccess, StatusError, StatusCompleted, StatusStreamEnd:
		return nil
	default:
		return fmt.Errorf("invalid event status: %q", s)
	}
}

// IsTerminal reports whether the event closes a run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStreamEnd
}

// Event is one progress message.
type Event struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
	Host    string `json:"host,omitempty"`
}

// New builds an event.
func New(status Status, format string, args ...any) Event {
	return Event{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Output builds an output event for one line of tool output.
func Output(line string) Event {
	return Event{Status: StatusOutput, Message: line}
}

// Errorf builds an error event.
func Errorf(format string, args ...any) Event {
	return New(StatusError, "❌ "+format, args...)
}

// ForHost returns a copy of the event tagged with a target host.
func (e Event) ForHost(host string) Event {
	e.Host = host
	return e
}

// StreamEnd is the last event of every stream.
func StreamEnd() Event {
	return Event{Status: StatusStreamEnd, Message: "stream closed"}
}
