package engine

import (
	"context"
	"iter"

	"github.com/fourclicks/deployd/pkg/credentials"
	"github.com/fourclicks/deployd/pkg/progress"
)

// TemplateGetter looks up templates.
type TemplateGetter interface {
	// GetTemplate returns an error carrying ErrCodeNotFound when the template
	// does not exist.
	GetTemplate(ctx context.Context, id int64) (*Template, error)
}

// TargetResolver resolves target references to addresses.
type TargetResolver interface {
	GetIPAddress(ctx context.Context, id int64) (string, error)
	GetHostGroupAddresses(ctx context.Context, id int64) ([]string, error)
}

// CredentialGetter fetches encrypted credential records.
type CredentialGetter interface {
	GetCredential(ctx context.Context, id int64) (*credentials.Record, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	// CreateTask persists the task and its target associations as one unit
	// and assigns task.ID.
	CreateTask(ctx context.Context, task *Task) error

	// SetTaskStatus moves a task to status. Implementations must reject
	// transitions that CanTransition does not allow.
	SetTaskStatus(ctx context.Context, id int64, status TaskStatus, result *TaskResult) error

	GetTask(ctx context.Context, id int64) (*Task, error)
}

// Store is everything the Preparer needs from persistence.
type Store interface {
	TemplateGetter
	TargetResolver
	CredentialGetter
	TaskStore
}

// Strategy executes a prepared session for one template kind. keyPath is
// empty when the session has no credential.
type Strategy interface {
	Execute(ctx context.Context, s *Session, keyPath string) iter.Seq[progress.Event]
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, s *Session, keyPath string) iter.Seq[progress.Event]

// Execute calls f.
func (f StrategyFunc) Execute(ctx context.Context, s *Session, keyPath string) iter.Seq[progress.Event] {
	return f(ctx, s, keyPath)
}
