package engine

import (
	"fmt"
	"slices"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	// TaskStatusPending is the status of a task whose associations are not
	// persisted yet.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates the task is executing.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the status is final. Terminal tasks are
// immutable.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive returns true if the task is pending or running.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	return slices.Contains(taskTransitions[s], next)
}

// PredecessorsOf lists the statuses a task may be in before moving to
// next. Stores use it to make status updates conditional.
func PredecessorsOf(next TaskStatus) []TaskStatus {
	var out []TaskStatus
	for _, from := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// TemplateKind is the execution strategy of a template.
type TemplateKind string

const (
	// TemplateKindAnsible runs an ansible playbook against all hosts at once.
	TemplateKindAnsible TemplateKind = "ansible"

	// TemplateKindBash renders a script and runs it on each host in turn.
	TemplateKindBash TemplateKind = "bash"
)

// Validate checks if the template kind is valid.
func (k TemplateKind) Validate() error {
	switch k {
	case TemplateKindAnsible, TemplateKindBash:
		return nil
	default:
		return fmt.Errorf("invalid template kind: %s", k)
	}
}
