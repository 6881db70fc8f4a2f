package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fourclicks/deployd/pkg/telemetry"
)

// KeyToucher records credential use.
type KeyToucher interface {
	Touch(ctx context.Context, id int64)
}

// PreparerConfig is the configuration of a Preparer.
type PreparerConfig struct {
	Store Store

	// Keys, when set, is told about every credential a session uses.
	Keys KeyToucher

	Logger *telemetry.Logger
}

// Preparer owns the persistent side of an execution: it creates the task,
// resolves what the streaming phase needs and records the final status.
type Preparer struct {
	store    Store
	keys     KeyToucher
	logger   *telemetry.Logger
	validate *validator.Validate
}

// NewPreparer creates a new Preparer.
func NewPreparer(cfg PreparerConfig) (*Preparer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &Preparer{
		store:    cfg.Store,
		keys:     cfg.Keys,
		logger:   cfg.Logger.NewComponentLogger("preparer"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Prepare creates a running task for req and returns its session. Once the
// task exists, any failure marks it failed before the error is returned.
func (p *Preparer) Prepare(ctx context.Context, req TaskRequest) (*Session, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, NewPermanentError("invalid task request", err).
			WithCode(ErrCodeValidation).
			WithOperation("prepare")
	}

	tmpl, err := p.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %d: %w", req.TemplateID, err)
	}
	if !tmpl.Active {
		return nil, NewNotFoundError("template", tmpl.ID).WithDetail("reason", "inactive")
	}
	if err := tmpl.Kind.Validate(); err != nil {
		return nil, NewPermanentError("template has an unsupported kind", err).
			WithCode(ErrCodeValidation).
			WithResource(fmt.Sprintf("template/%d", tmpl.ID))
	}

	name := req.Name
	if name == "" {
		name = tmpl.Name
	}
	task := &Task{
		Name:         name,
		TemplateID:   tmpl.ID,
		CredentialID: req.CredentialID,
		Parameters:   req.Parameters,
		IPAddressIDs: req.IPAddressIDs,
		HostGroupIDs: req.HostGroupIDs,
		Status:       TaskStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	logger := p.logger.WithTaskID(task.ID)
	sess, err := p.prepare(ctx, task, tmpl, req.Passphrase)
	if err != nil {
		logger.WithError(err).Warn("task preparation failed")
		p.fail(ctx, task.ID, err)
		return nil, err
	}
	logger.Zerolog().Info().
		Str("execution_id", sess.ExecutionID).
		Str("kind", string(tmpl.Kind)).
		Strs("hosts", sess.Hosts).
		Msg("task prepared")
	return sess, nil
}

func (p *Preparer) prepare(ctx context.Context, task *Task, tmpl *Template, passphrase string) (*Session, error) {
	if err := p.store.SetTaskStatus(ctx, task.ID, TaskStatusRunning, nil); err != nil {
		return nil, fmt.Errorf("failed to start task: %w", err)
	}
	now := time.Now().UTC()
	task.Status = TaskStatusRunning
	task.StartedAt = &now

	hosts, err := ResolveHosts(ctx, p.store, task.IPAddressIDs, task.HostGroupIDs)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ExecutionID: uuid.NewString(),
		Task:        task,
		Template:    tmpl,
		Hosts:       hosts,
		Passphrase:  passphrase,
	}

	if task.CredentialID != nil {
		cred, err := p.store.GetCredential(ctx, *task.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential %d: %w", *task.CredentialID, err)
		}
		if !cred.Active {
			return nil, NewPermanentError("credential is inactive", nil).
				WithCode(ErrCodeValidation).
				WithResource(fmt.Sprintf("credential/%d", cred.ID))
		}
		sess.Credential = cred
		if p.keys != nil {
			p.keys.Touch(ctx, cred.ID)
		}
	}
	return sess, nil
}

// fail marks the task failed, keeping the preparation error as its log.
func (p *Preparer) fail(ctx context.Context, id int64, cause error) {
	// The request context may be the reason preparation failed.
	ctx = context.WithoutCancel(ctx)
	if err := p.store.SetTaskStatus(ctx, id, TaskStatusFailed, &TaskResult{Log: cause.Error()}); err != nil {
		p.logger.WithTaskID(id).WithError(err).Error("failed to mark task failed")
	}
}

// MarkCompleted records that the session's stream finished successfully.
func (p *Preparer) MarkCompleted(ctx context.Context, s *Session) error {
	return p.finish(ctx, s, TaskStatusCompleted, nil)
}

// MarkFailed records that the session's stream ended with an error.
func (p *Preparer) MarkFailed(ctx context.Context, s *Session, cause error) error {
	result := &TaskResult{}
	if cause != nil {
		result.Log = cause.Error()
	}
	return p.finish(ctx, s, TaskStatusFailed, result)
}

func (p *Preparer) finish(ctx context.Context, s *Session, status TaskStatus, result *TaskResult) error {
	if s == nil || s.Task == nil {
		return errors.New("session has no task")
	}
	if err := p.store.SetTaskStatus(ctx, s.Task.ID, status, result); err != nil {
		return fmt.Errorf("failed to mark task %d %s: %w", s.Task.ID, status, err)
	}
	now := time.Now().UTC()
	s.Task.Status = status
	s.Task.CompletedAt = &now
	p.logger.WithTaskID(s.Task.ID).WithExecutionID(s.ExecutionID).Infof("task %s", status)
	return nil
}
