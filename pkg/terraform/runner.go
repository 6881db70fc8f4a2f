// Package terraform runs terraform operations for a project workspace and
// streams their output line by line.
//
// Variables are resolved before anything is spawned, so a request without a
// usable variable source fails fast with ErrMissingVariables. Output goes
// through the eager stream of the process package because terraform can
// exit zero after printing "Error:" lines. Success is confirmed by a
// Classifier and reported to completion hooks through a Dispatcher.
package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fourclicks/deployd/pkg/process"
	"github.com/fourclicks/deployd/pkg/telemetry"
)

// WorkspacePolicy decides what a failed workspace selection does.
type WorkspacePolicy string

const (
	// WorkspaceTolerant logs the failure and runs the operation anyway.
	WorkspaceTolerant WorkspacePolicy = "tolerant"
	// WorkspaceStrict ends the stream with the selection error.
	WorkspaceStrict WorkspacePolicy = "strict"
)

// Request describes one operation.
type Request struct {
	Operation Operation

	// Project is resolved to <InfraDir>/<project>/infra/terraform unless
	// ProjectPath is set.
	Project     string
	ProjectPath string

	Workspace string

	// Variables are passed as -var flags.
	Variables map[string]any

	// VarFile is relative to the project path unless absolute.
	VarFile string

	// FromStore writes the workspace var-file from the variable source.
	FromStore bool
}

// RunnerConfig is the configuration of a Runner.
type RunnerConfig struct {
	Runner process.Runner

	// Binary is the terraform executable.
	Binary string

	// InfraDir is the root of the project directories.
	InfraDir string

	WorkspacePolicy WorkspacePolicy

	// CreateWorkspace selects with -or-create so new workspaces work.
	CreateWorkspace bool

	Classifier Classifier
	Variables  VariableSource
	Dispatcher *Dispatcher

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

func (c *RunnerConfig) defaults() error {
	if c.Runner == nil {
		return fmt.Errorf("process runner is required")
	}
	if c.Binary == "" {
		c.Binary = "terraform"
	}
	if c.WorkspacePolicy == "" {
		c.WorkspacePolicy = WorkspaceTolerant
	}
	if c.WorkspacePolicy != WorkspaceTolerant && c.WorkspacePolicy != WorkspaceStrict {
		return fmt.Errorf("unknown workspace policy %q", c.WorkspacePolicy)
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier()
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	c.Logger = c.Logger.NewComponentLogger("terraform")
	return nil
}

// Runner runs terraform operations.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a new Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Runner{cfg: cfg}, nil
}

// Classifier returns the classifier used to confirm completion.
func (r *Runner) Classifier() Classifier {
	return r.cfg.Classifier
}

// ProjectPath resolves the terraform directory of a project.
func (r *Runner) ProjectPath(project string) (string, error) {
	if project == "" || !filepath.IsLocal(project) {
		return "", fmt.Errorf("%w: invalid project name %q", ErrProjectNotFound, project)
	}
	return filepath.Join(r.cfg.InfraDir, project, "infra", "terraform"), nil
}

// Run validates req, resolves its variables and returns the lazy output
// stream. The returned error covers everything checked before spawning. The
// stream ends with the process error, if any.
func (r *Runner) Run(ctx context.Context, req Request) (iter.Seq2[string, error], error) {
	if err := req.Operation.Validate(); err != nil {
		return nil, err
	}
	if req.Operation.NeedsWorkspace() && req.Workspace == "" {
		return nil, ErrWorkspaceRequired
	}

	projectPath := req.ProjectPath
	if projectPath == "" {
		var err error
		if projectPath, err = r.ProjectPath(req.Project); err != nil {
			return nil, err
		}
	}
	if info, err := os.Stat(projectPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectPath)
	}
	if req.Project == "" {
		req.Project = filepath.Base(projectPath)
	}

	args := req.Operation.args()
	if req.Operation.NeedsVariables() {
		varArgs, err := r.variableArgs(ctx, req, projectPath)
		if err != nil {
			return nil, err
		}
		args = append(args, varArgs...)
	}

	cmd := process.Command{
		Path: r.cfg.Binary,
		Args: args,
		Dir:  projectPath,
		Env:  []string{"TF_IN_AUTOMATION=1", "TF_INPUT=0"},
		Tool: "terraform",
	}
	return r.stream(ctx, req, projectPath, cmd), nil
}

func (r *Runner) stream(ctx context.Context, req Request, projectPath string, cmd process.Command) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		logger := r.cfg.Logger.WithFields(map[string]interface{}{
			"operation": string(req.Operation),
			"project":   req.Project,
			"workspace": req.Workspace,
		})
		ctx, span := r.cfg.Tracer.StartTerraformSpan(ctx, string(req.Operation), req.Workspace)

		if req.Operation.NeedsWorkspace() {
			if err := r.selectWorkspace(ctx, projectPath, req.Workspace); err != nil {
				if r.cfg.WorkspacePolicy == WorkspaceStrict {
					r.cfg.Metrics.RecordTerraformOperation(string(req.Operation), "failed")
					telemetry.EndSpan(span, err)
					yield("", err)
					return
				}
				logger.WithError(err).Warn("workspace selection failed, continuing in the current workspace")
			}
		}

		logger.Info("running terraform")
		confirmed := false
		var runErr error
		for line, err := range r.cfg.Runner.StreamEager(ctx, cmd) {
			if err != nil {
				runErr = err
				break
			}
			text := line.Text
			if line.Kind == process.LineWarning {
				text = WarningPrefix + line.Text
			} else if r.cfg.Classifier.Classify(req.Operation, text) == Confirmed {
				confirmed = true
			}
			if !yield(text, nil) {
				logger.Info("consumer stopped reading terraform output")
				r.cfg.Metrics.RecordTerraformOperation(string(req.Operation), "abandoned")
				telemetry.EndSpan(span, nil)
				return
			}
		}

		c := Completion{
			Operation:   req.Operation,
			Project:     req.Project,
			ProjectPath: projectPath,
			Workspace:   req.Workspace,
			Confirmed:   confirmed,
			Err:         runErr,
			FinishedAt:  time.Now().UTC(),
		}
		outcome := "confirmed"
		switch {
		case runErr != nil:
			outcome = "failed"
		case !confirmed:
			outcome = "unconfirmed"
		}
		r.cfg.Metrics.RecordTerraformOperation(string(req.Operation), outcome)
		logger.Zerolog().Info().Str("outcome", outcome).Msg("terraform finished")
		telemetry.EndSpan(span, runErr)

		r.cfg.Dispatcher.Dispatch(c)
		if runErr != nil {
			yield("", runErr)
		}
	}
}

func (r *Runner) selectWorkspace(ctx context.Context, projectPath, workspace string) error {
	args := []string{"workspace", "select"}
	if r.cfg.CreateWorkspace {
		args = append(args, "-or-create")
	}
	args = append(args, workspace)
	lines, err := process.Collect(r.cfg.Runner.Stream(ctx, process.Command{
		Path: r.cfg.Binary,
		Args: args,
		Dir:  projectPath,
		Env:  []string{"TF_IN_AUTOMATION=1"},
		Tool: "terraform",
	}))
	if err != nil {
		return fmt.Errorf("failed to select workspace %q: %w", workspace, err)
	}
	r.cfg.Logger.Debugf("workspace select: %s", strings.Join(lines, " | "))
	return nil
}

// OutputValue is one entry of "terraform output -json".
type OutputValue struct {
	Value     json.RawMessage `json:"value"`
	Type      json.RawMessage `json:"type"`
	Sensitive bool            `json:"sensitive"`
}

// Outputs reads the outputs of a workspace. The workspace is passed through
// TF_WORKSPACE so the selected workspace of the directory is not changed.
func (r *Runner) Outputs(ctx context.Context, projectPath, workspace string) (map[string]OutputValue, error) {
	lines, err := process.Collect(r.cfg.Runner.Stream(ctx, process.Command{
		Path: r.cfg.Binary,
		Args: []string{"output", "-json"},
		Dir:  projectPath,
		Env:  []string{"TF_IN_AUTOMATION=1", "TF_WORKSPACE=" + workspace},
		Tool: "terraform",
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read outputs: %w", err)
	}

	outputs := make(map[string]OutputValue)
	raw := strings.TrimSpace(strings.Join(lines, "\n"))
	if raw == "" {
		return outputs, nil
	}
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs: %w", err)
	}
	return outputs, nil
}

// IsPrecondition reports whether err was raised before anything was spawned
// because the request itself cannot run.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrMissingVariables) ||
		errors.Is(err, ErrConflictingVariableSources) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrWorkspaceRequired)
}
