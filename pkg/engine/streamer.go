package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/fourclicks/deployd/pkg/credentials"
	"github.com/fourclicks/deployd/pkg/process"
	"github.com/fourclicks/deployd/pkg/progress"
	"github.com/fourclicks/deployd/pkg/telemetry"
)

// Materializer turns an encrypted key blob into a temporary key file.
type Materializer interface {
	Materialize(blob, passphrase string) (*credentials.Material, error)
}

// AnsibleConfig configures the ansible strategy.
type AnsibleConfig struct {
	// Binary is the ansible-playbook executable.
	Binary string `yaml:"binary"`

	// SSHCommonArgs is passed verbatim as --ssh-common-args.
	SSHCommonArgs string `yaml:"ssh_common_args"`

	// ConnectionTimeout is the per-connection timeout in seconds.
	ConnectionTimeout int `yaml:"connection_timeout" validate:"gte=0"`
}

// SSHConfig configures how the bash strategy reaches remote hosts.
type SSHConfig struct {
	// Binary is the ssh executable.
	Binary string `yaml:"binary"`

	// User is prepended to hosts that carry no user part.
	User string `yaml:"user"`

	// Options are passed before the host argument.
	Options []string `yaml:"options"`
}

// DefaultAnsibleSSHArgs are the non-interactive SSH options given to ansible.
const DefaultAnsibleSSHArgs = "-o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o LogLevel=ERROR " +
	"-o ConnectTimeout=30 -o ServerAliveInterval=10 -o ServerAliveCountMax=3"

// DefaultSSHOptions are the non-interactive options used for bash over ssh.
func DefaultSSHOptions() []string {
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=30",
	}
}

// StreamerConfig is the configuration of a Streamer.
type StreamerConfig struct {
	// Runner runs external commands.
	Runner process.Runner

	// Keys materializes session credentials. Required only for sessions
	// that carry one.
	Keys Materializer

	// TasksDir is the root that template paths are relative to.
	TasksDir string

	// TempDir holds inventories and rendered scripts. Empty means the
	// system default.
	TempDir string

	// BashBinary runs scripts locally.
	BashBinary string

	Ansible AnsibleConfig
	SSH     SSHConfig

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

func (c *StreamerConfig) defaults() error {
	if c.Runner == nil {
		return fmt.Errorf("runner is required")
	}
	if c.TasksDir == "" {
		return fmt.Errorf("tasks directory is required")
	}
	if c.BashBinary == "" {
		c.BashBinary = "bash"
	}
	if c.Ansible.Binary == "" {
		c.Ansible.Binary = "ansible-playbook"
	}
	if c.Ansible.SSHCommonArgs == "" {
		c.Ansible.SSHCommonArgs = DefaultAnsibleSSHArgs
	}
	if c.Ansible.ConnectionTimeout == 0 {
		c.Ansible.ConnectionTimeout = 60
	}
	if c.SSH.Binary == "" {
		c.SSH.Binary = "ssh"
	}
	if c.SSH.Options == nil {
		c.SSH.Options = DefaultSSHOptions()
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	c.Logger = c.Logger.NewComponentLogger("streamer")
	return nil
}

// Streamer executes prepared sessions and reports progress as events. It
// never touches the store, so a session can be streamed on any connection.
type Streamer struct {
	cfg StreamerConfig

	mu         sync.RWMutex
	strategies map[TemplateKind]Strategy
}

// NewStreamer creates a streamer with the ansible and bash strategies
// registered.
func NewStreamer(cfg StreamerConfig) (*Streamer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Streamer{
		cfg:        cfg,
		strategies: make(map[TemplateKind]Strategy),
	}
	s.Register(TemplateKindAnsible, &ansibleStrategy{cfg: &s.cfg})
	s.Register(TemplateKindBash, &bashStrategy{cfg: &s.cfg})
	return s, nil
}

// Register installs the strategy for a template kind, replacing any
// previous one.
func (s *Streamer) Register(kind TemplateKind, strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[kind] = strategy
}

func (s *Streamer) strategy(kind TemplateKind) (Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[kind]
	return st, ok
}

// Stream executes the session. The sequence always ends with a completed
// event on success or an error event otherwise, followed by stream_end. The
// credential file lives exactly as long as the iteration.
func (s *Streamer) Stream(ctx context.Context, sess *Session) iter.Seq[progress.Event] {
	return func(yield func(progress.Event) bool) {
		kind := string(sess.Template.Kind)
		logger := s.cfg.Logger.WithTaskID(sess.Task.ID).WithExecutionID(sess.ExecutionID)
		ctx = logger.WithContext(ctx)
		ctx, span := s.cfg.Tracer.StartTaskSpan(ctx, sess.Task.ID, kind)
		s.cfg.Metrics.RecordTaskStarted(kind)

		em := &emitter{yield: yield}
		err := s.run(ctx, sess, em)

		outcome := "completed"
		switch {
		case em.stopped:
			outcome = "abandoned"
			logger.Info("consumer stopped reading the task stream")
		case err != nil || em.failed:
			outcome = "failed"
			if err == nil {
				err = errTaskFailed
			}
			if em.last != progress.StatusError {
				em.emit(progress.Errorf("%s", err))
			}
		default:
			em.emit(progress.New(progress.StatusCompleted, "🎉 Task %q completed", sess.Task.Name))
		}
		em.emit(progress.StreamEnd())

		s.cfg.Metrics.RecordTaskFinished(kind, outcome)
		telemetry.EndSpan(span, err)
		logger.Zerolog().Info().Str("outcome", outcome).Msg("task stream finished")
	}
}

func (s *Streamer) run(ctx context.Context, sess *Session, em *emitter) error {
	if !em.emit(progress.New(progress.StatusPreparing, "🔧 Preparing %s task %q on %d host(s)",
		sess.Template.Kind, sess.Task.Name, len(sess.Hosts))) {
		return nil
	}

	strategy, ok := s.strategy(sess.Template.Kind)
	if !ok {
		return fmt.Errorf("no strategy for template kind %q", sess.Template.Kind)
	}

	var keyPath string
	if sess.Credential != nil {
		if s.cfg.Keys == nil {
			return fmt.Errorf("session has a credential but no key manager is configured")
		}
		material, err := s.cfg.Keys.Materialize(sess.Credential.EncryptedPrivateKey, sess.Passphrase)
		if err != nil {
			return fmt.Errorf("failed to unlock credential %q: %w", sess.Credential.Name, err)
		}
		defer material.Release()
		keyPath = material.Path()
		telemetry.FromContext(ctx).Debugf("credential %q materialized", sess.Credential.Name)
	}

	for ev := range strategy.Execute(ctx, sess, keyPath) {
		if ev.Status == progress.StatusError {
			em.failed = true
		}
		if !em.emit(ev) {
			return nil
		}
	}
	return nil
}

var errTaskFailed = errors.New("task failed")

// emitter forwards events to the consumer and remembers what was sent.
type emitter struct {
	yield   func(progress.Event) bool
	last    progress.Status
	failed  bool
	stopped bool
}

func (e *emitter) emit(ev progress.Event) bool {
	if e.stopped {
		return false
	}
	e.last = ev.Status
	if !e.yield(ev) {
		e.stopped = true
		return false
	}
	return true
}

// pump forwards a command stream as events tagged with host. It returns
// false when the consumer stopped, and the command's terminal error.
func pump(seq iter.Seq2[process.Line, error], host string, yield func(progress.Event) bool) (bool, error) {
	for line, err := range seq {
		if err != nil {
			return true, err
		}
		ev := progress.Output(line.Text)
		if line.Kind == process.LineWarning {
			ev = progress.New(progress.StatusWarning, "⚠️ %s", line.Text)
		}
		if !yield(ev.ForHost(host)) {
			return false, nil
		}
	}
	return true, nil
}

// failureMessage describes a command failure without repeating the output
// tail, which the consumer has already seen line by line.
func failureMessage(err error) string {
	var execErr *process.ExecError
	if errors.As(err, &execErr) {
		short := *execErr
		short.Output = ""
		return short.Error()
	}
	return err.Error()
}

// templatePath resolves a template path inside the tasks directory.
func (c *StreamerConfig) templatePath(t *Template) (string, error) {
	if !filepath.IsLocal(t.Path) {
		return "", NewPermanentError("template path escapes the tasks directory", nil).
			WithCode(ErrCodeValidation).
			WithResource(fmt.Sprintf("template/%d", t.ID))
	}
	full := filepath.Join(c.TasksDir, t.Path)
	if _, err := os.Stat(full); err != nil {
		return "", NewPermanentError("template content is not readable", err).
			WithCode(ErrCodeNotFound).
			WithResource(fmt.Sprintf("template/%d", t.ID))
	}
	return full, nil
}

// tempFile writes data to a new uniquely named file with the given mode.
func (c *StreamerConfig) tempFile(pattern string, data []byte, mode os.FileMode) (string, error) {
	f, err := os.CreateTemp(c.TempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to restrict temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return path, nil
}

func removeTemp(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		telemetry.FromContext(ctx).WithError(err).Warnf("failed to remove %s", path)
	}
}
