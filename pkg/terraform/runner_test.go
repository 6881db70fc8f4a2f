package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fourclicks/deployd/pkg/process"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Stream(ctx context.Context, cmd process.Command) iter.Seq2[process.Line, error] {
	args := m.Called(ctx, cmd)
	return args.Get(0).(iter.Seq2[process.Line, error])
}

func (m *mockRunner) StreamEager(ctx context.Context, cmd process.Command) iter.Seq2[process.Line, error] {
	args := m.Called(ctx, cmd)
	return args.Get(0).(iter.Seq2[process.Line, error])
}

func lines(err error, text ...string) iter.Seq2[process.Line, error] {
	return func(yield func(process.Line, error) bool) {
		for _, t := range text {
			if !yield(process.Line{Kind: process.LineOutput, Text: t}, nil) {
				return
			}
		}
		if err != nil {
			yield(process.Line{}, err)
		}
	}
}

func isWorkspaceSelect(cmd process.Command) bool {
	return len(cmd.Args) > 1 && cmd.Args[0] == "workspace" && cmd.Args[1] == "select"
}

type stubVariables map[string]json.RawMessage

func (s stubVariables) TerraformVariables(context.Context, string, string) (map[string]json.RawMessage, error) {
	return s, nil
}

// newProject creates <infra>/<name>/infra/terraform and returns both paths.
func newProject(t *testing.T, name string) (string, string) {
	t.Helper()
	infra := t.TempDir()
	path := filepath.Join(infra, name, "infra", "terraform")
	require.NoError(t, os.MkdirAll(path, 0o755))
	return infra, path
}

func drain(t *testing.T, seq iter.Seq2[string, error]) ([]string, error) {
	t.Helper()
	var out []string
	for line, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, line)
	}
	return out, nil
}

func TestRunMissingVariablesSpawnsNothing(t *testing.T) {
	infra, _ := newProject(t, "web")
	runner := &mockRunner{}
	r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra, Variables: stubVariables{}})
	require.NoError(t, err)

	seq, err := r.Run(context.Background(), Request{Operation: OperationApply, Project: "web", Workspace: "dev"})

	assert.Nil(t, seq)
	assert.ErrorIs(t, err, ErrMissingVariables)
	assert.True(t, IsPrecondition(err))
	runner.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything)
	runner.AssertNotCalled(t, "StreamEager", mock.Anything, mock.Anything)
}

func TestRunPreconditions(t *testing.T) {
	infra, path := newProject(t, "web")

	tests := map[string]struct {
		req  Request
		vars VariableSource
		want error
	}{
		"explicit variables with store variables conflict": {
			req:  Request{Operation: OperationPlan, Project: "web", Workspace: "dev", Variables: map[string]any{"a": 1}, FromStore: true},
			want: ErrConflictingVariableSources,
		},
		"unknown operation is rejected": {
			req:  Request{Operation: "import", Project: "web", Workspace: "dev"},
			want: ErrInvalidOperation,
		},
		"workspace is required for apply": {
			req:  Request{Operation: OperationApply, Project: "web"},
			want: ErrWorkspaceRequired,
		},
		"missing project directory": {
			req:  Request{Operation: OperationPlan, Project: "api", Workspace: "dev", Variables: map[string]any{"a": 1}},
			want: ErrProjectNotFound,
		},
		"project name escaping the infra dir": {
			req:  Request{Operation: OperationPlan, Project: "../web", Workspace: "dev", Variables: map[string]any{"a": 1}},
			want: ErrProjectNotFound,
		},
		"missing explicit var-file": {
			req:  Request{Operation: OperationPlan, ProjectPath: path, Workspace: "dev", VarFile: "nope.tfvars"},
			want: ErrMissingVariables,
		},
		"store without variables": {
			req:  Request{Operation: OperationPlan, Project: "web", Workspace: "dev", FromStore: true},
			vars: stubVariables{},
			want: ErrMissingVariables,
		},
		"store not configured": {
			req:  Request{Operation: OperationPlan, Project: "web", Workspace: "dev", FromStore: true},
			want: ErrMissingVariables,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := &mockRunner{}
			r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra, Variables: tc.vars})
			require.NoError(t, err)

			_, err = r.Run(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
			runner.AssertExpectations(t)
		})
	}
}

func TestRunVariableSources(t *testing.T) {
	infra, path := newProject(t, "web")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "tfvars.d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "tfvars.d", "dev.tfvars.json"), []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(path, "custom.tfvars"), []byte(""), 0o600))

	tests := map[string]struct {
		req  Request
		want []string
	}{
		"explicit variables win and are sorted": {
			req: Request{
				Operation: OperationApply, Project: "web", Workspace: "dev",
				Variables: map[string]any{"size": 3, "name": "web-1", "tags": []string{"a"}},
				VarFile:   "custom.tfvars",
			},
			want: []string{"apply", "-auto-approve", "-input=false", "-var=name=web-1", "-var=size=3", `-var=tags=["a"]`},
		},
		"explicit var-file beats the convention file": {
			req:  Request{Operation: OperationPlan, Project: "web", Workspace: "dev", VarFile: "custom.tfvars"},
			want: []string{"plan", "-input=false", "-var-file=custom.tfvars"},
		},
		"convention file is found by workspace": {
			req:  Request{Operation: OperationDestroy, Project: "web", Workspace: "dev"},
			want: []string{"destroy", "-auto-approve", "-input=false", "-var-file=" + filepath.Join("tfvars.d", "dev.tfvars.json")},
		},
		"init takes no variables": {
			req:  Request{Operation: OperationInit, Project: "web"},
			want: []string{"init", "-input=false"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := &mockRunner{}
			runner.On("Stream", mock.Anything, mock.MatchedBy(isWorkspaceSelect)).Return(lines(nil)).Maybe()
			runner.On("StreamEager", mock.Anything, mock.MatchedBy(func(cmd process.Command) bool {
				return assert.ObjectsAreEqual(tc.want, cmd.Args) && cmd.Dir == path
			})).Return(lines(nil, "ok")).Once()

			r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra})
			require.NoError(t, err)

			seq, err := r.Run(context.Background(), tc.req)
			require.NoError(t, err)
			out, err := drain(t, seq)
			require.NoError(t, err)
			assert.Equal(t, []string{"ok"}, out)
			runner.AssertExpectations(t)
		})
	}
}

func TestRunFromStoreWritesConventionFile(t *testing.T) {
	infra, path := newProject(t, "web")
	runner := &mockRunner{}
	runner.On("Stream", mock.Anything, mock.MatchedBy(isWorkspaceSelect)).Return(lines(nil))
	runner.On("StreamEager", mock.Anything, mock.Anything).Return(lines(nil, "Plan: 1 to add"))

	r, err := NewRunner(RunnerConfig{
		Runner:    runner,
		InfraDir:  infra,
		Variables: stubVariables{"region": json.RawMessage(`"eu-west-1"`)},
	})
	require.NoError(t, err)

	seq, err := r.Run(context.Background(), Request{Operation: OperationPlan, Project: "web", Workspace: "staging", FromStore: true})
	require.NoError(t, err)
	_, err = drain(t, seq)
	require.NoError(t, err)

	file := filepath.Join(path, "tfvars.d", "staging.tfvars.json")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.JSONEq(t, `{"region":"eu-west-1"}`, string(data))

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRunWorkspacePolicy(t *testing.T) {
	selectErr := errors.New("workspace does not exist")

	t.Run("tolerant continues after a failed select", func(t *testing.T) {
		infra, _ := newProject(t, "web")
		runner := &mockRunner{}
		runner.On("Stream", mock.Anything, mock.MatchedBy(isWorkspaceSelect)).Return(lines(selectErr))
		runner.On("StreamEager", mock.Anything, mock.Anything).Return(lines(nil, "Apply complete! Resources: 1 added"))

		r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra})
		require.NoError(t, err)
		seq, err := r.Run(context.Background(), Request{Operation: OperationApply, Project: "web", Workspace: "dev", Variables: map[string]any{"a": "b"}})
		require.NoError(t, err)

		out, err := drain(t, seq)
		require.NoError(t, err)
		assert.Equal(t, []string{"Apply complete! Resources: 1 added"}, out)
	})

	t.Run("strict ends the stream with the select error", func(t *testing.T) {
		infra, _ := newProject(t, "web")
		runner := &mockRunner{}
		runner.On("Stream", mock.Anything, mock.MatchedBy(isWorkspaceSelect)).Return(lines(selectErr))

		r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra, WorkspacePolicy: WorkspaceStrict})
		require.NoError(t, err)
		seq, err := r.Run(context.Background(), Request{Operation: OperationApply, Project: "web", Workspace: "dev", Variables: map[string]any{"a": "b"}})
		require.NoError(t, err)

		_, err = drain(t, seq)
		assert.ErrorIs(t, err, selectErr)
		runner.AssertNotCalled(t, "StreamEager", mock.Anything, mock.Anything)
	})

	t.Run("create flag selects with -or-create", func(t *testing.T) {
		infra, _ := newProject(t, "web")
		runner := &mockRunner{}
		runner.On("Stream", mock.Anything, mock.MatchedBy(func(cmd process.Command) bool {
			return assert.ObjectsAreEqual([]string{"workspace", "select", "-or-create", "dev"}, cmd.Args)
		})).Return(lines(nil)).Once()
		runner.On("StreamEager", mock.Anything, mock.Anything).Return(lines(nil))

		r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra, CreateWorkspace: true})
		require.NoError(t, err)
		seq, err := r.Run(context.Background(), Request{Operation: OperationPlan, Project: "web", Workspace: "dev", Variables: map[string]any{"a": "b"}})
		require.NoError(t, err)
		_, err = drain(t, seq)
		require.NoError(t, err)
		runner.AssertExpectations(t)
	})

	t.Run("unknown policy is rejected", func(t *testing.T) {
		_, err := NewRunner(RunnerConfig{Runner: &mockRunner{}, WorkspacePolicy: "lenient"})
		assert.Error(t, err)
	})
}

type recordingHook struct {
	mu    sync.Mutex
	got   []Completion
	calls chan struct{}
}

func newRecordingHook() *recordingHook {
	return &recordingHook{calls: make(chan struct{}, 8)}
}

func (h *recordingHook) Name() string { return "recorder" }

func (h *recordingHook) OnCompletion(_ context.Context, c Completion) error {
	h.mu.Lock()
	h.got = append(h.got, c)
	h.mu.Unlock()
	h.calls <- struct{}{}
	return nil
}

func (h *recordingHook) completions() []Completion {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Completion(nil), h.got...)
}

func TestRunDispatchesCompletion(t *testing.T) {
	exitErr := &process.ExecError{Kind: process.KindNonZeroExit, ExitCode: 1}

	tests := map[string]struct {
		op          Operation
		output      []string
		err         error
		wantSuccess bool
		wantConfirm bool
	}{
		"confirmed apply": {
			op:          OperationApply,
			output:      []string{"aws_instance.web: Creating...", "\x1b[32mApply complete! Resources: 1 added, 0 changed, 0 destroyed.\x1b[0m"},
			wantSuccess: true,
			wantConfirm: true,
		},
		"destroy confirmed by resource count": {
			op:          OperationDestroy,
			output:      []string{"Resources: 3 destroyed"},
			wantSuccess: true,
			wantConfirm: true,
		},
		"unmatched wording stays unconfirmed": {
			op:     OperationApply,
			output: []string{"All done, nothing to report"},
		},
		"failed process is never a success": {
			op:          OperationApply,
			output:      []string{"Apply complete!"},
			err:         exitErr,
			wantConfirm: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			infra, path := newProject(t, "web")
			runner := &mockRunner{}
			runner.On("Stream", mock.Anything, mock.MatchedBy(isWorkspaceSelect)).Return(lines(nil))
			runner.On("StreamEager", mock.Anything, mock.Anything).Return(lines(tc.err, tc.output...))

			hook := newRecordingHook()
			d := NewDispatcher(DispatcherConfig{})
			d.Register(hook)

			r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra, Dispatcher: d})
			require.NoError(t, err)
			seq, err := r.Run(context.Background(), Request{Operation: tc.op, Project: "web", Workspace: "prod", Variables: map[string]any{"a": "b"}})
			require.NoError(t, err)

			out, err := drain(t, seq)
			if tc.err != nil {
				assert.ErrorIs(t, err, process.ErrNonZeroExit)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.output, out)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, d.Wait(ctx))

			got := hook.completions()
			require.Len(t, got, 1)
			assert.Equal(t, tc.op, got[0].Operation)
			assert.Equal(t, "web", got[0].Project)
			assert.Equal(t, path, got[0].ProjectPath)
			assert.Equal(t, "prod", got[0].Workspace)
			assert.Equal(t, tc.wantConfirm, got[0].Confirmed)
			assert.Equal(t, tc.wantSuccess, got[0].Success())
		})
	}
}

func TestRunAbandonedStreamDispatchesNothing(t *testing.T) {
	infra, _ := newProject(t, "web")
	runner := &mockRunner{}
	runner.On("Stream", mock.Anything, mock.MatchedBy(isWorkspaceSelect)).Return(lines(nil))
	runner.On("StreamEager", mock.Anything, mock.Anything).Return(lines(nil, "one", "two", "Apply complete!"))

	hook := newRecordingHook()
	d := NewDispatcher(DispatcherConfig{})
	d.Register(hook)

	r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra, Dispatcher: d})
	require.NoError(t, err)
	seq, err := r.Run(context.Background(), Request{Operation: OperationApply, Project: "web", Workspace: "dev", Variables: map[string]any{"a": "b"}})
	require.NoError(t, err)

	for line := range seq {
		if line == "one" {
			break
		}
	}
	require.NoError(t, d.Wait(context.Background()))
	assert.Empty(t, hook.completions())
}

func TestRunPrefixesInactivityWarnings(t *testing.T) {
	infra, _ := newProject(t, "web")
	runner := &mockRunner{}
	runner.On("Stream", mock.Anything, mock.MatchedBy(isWorkspaceSelect)).Return(lines(nil))
	runner.On("StreamEager", mock.Anything, mock.Anything).Return(iter.Seq2[process.Line, error](
		func(yield func(process.Line, error) bool) {
			_ = yield(process.Line{Kind: process.LineWarning, Text: "no output for 30s"}, nil) &&
				yield(process.Line{Kind: process.LineOutput, Text: "No changes."}, nil)
		}))

	r, err := NewRunner(RunnerConfig{Runner: runner, InfraDir: infra})
	require.NoError(t, err)
	seq, err := r.Run(context.Background(), Request{Operation: OperationPlan, Project: "web", Workspace: "dev", Variables: map[string]any{"a": "b"}})
	require.NoError(t, err)

	out, err := drain(t, seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"⚠️ no output for 30s", "No changes."}, out)
}

func TestOutputs(t *testing.T) {
	runner := &mockRunner{}
	runner.On("Stream", mock.Anything, mock.MatchedBy(func(cmd process.Command) bool {
		return assert.ObjectsAreEqual([]string{"output", "-json"}, cmd.Args) &&
			assert.ObjectsAreEqual([]string{"TF_IN_AUTOMATION=1", "TF_WORKSPACE=prod"}, cmd.Env)
	})).Return(lines(nil, "{", `  "web": {"sensitive": false, "type": "string", "value": "10.0.0.1"}`, "}"))

	r, err := NewRunner(RunnerConfig{Runner: runner})
	require.NoError(t, err)

	out, err := r.Outputs(context.Background(), "/infra/web", "prod")
	require.NoError(t, err)
	require.Contains(t, out, "web")
	assert.JSONEq(t, `"10.0.0.1"`, string(out["web"].Value))
	assert.False(t, out["web"].Sensitive)
}
