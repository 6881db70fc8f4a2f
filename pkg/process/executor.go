// Package process runs external commands (terraform, ansible-playbook, ssh,
// bash) and exposes their merged output as a lazy stream of lines.
//
// A stream is an iter.Seq2[Line, error]. Nothing is spawned until the caller
// starts ranging over it, and leaving the loop early stops and reaps the
// process group before the loop statement returns. A failed run ends with a
// single (Line{}, err) element where err is an *ExecError.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fourclicks/deployd/pkg/telemetry"
)

// InlineErrorMarker is the token the eager stream looks for in tool output.
const InlineErrorMarker = "Error:"

// LineKind tells output lines apart from executor generated warnings.
type LineKind int

const (
	// LineOutput is a line written by the process.
	LineOutput LineKind = iota
	// LineWarning is an inactivity warning generated by the executor.
	LineWarning
)

// Line is one element of a command stream.
type Line struct {
	Kind LineKind
	Text string
}

// Command describes one invocation.
type Command struct {
	// Path is the program to run, looked up in PATH when it has no separator.
	Path string

	// Args are the arguments after the program name.
	Args []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// Env entries are appended to the current process environment.
	Env []string

	// Stdin, when not nil, is written to the process standard input.
	Stdin []byte

	// Tool labels the command in logs and metrics. Defaults to the base name
	// of Path.
	Tool string
}

// String renders the command line for logs and errors. Stdin is never
// included.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

func (c Command) tool() string {
	if c.Tool != "" {
		return c.Tool
	}
	return filepath.Base(c.Path)
}

// Timeouts bound every run.
type Timeouts struct {
	// Start bounds process creation.
	Start time.Duration `yaml:"start" validate:"gt=0"`

	// Inactivity bounds each wait for the next line.
	Inactivity time.Duration `yaml:"inactivity" validate:"gt=0"`

	// Overall bounds the whole run including the final wait for exit.
	Overall time.Duration `yaml:"overall" validate:"gt=0"`

	// Grace is the time between the terminate and the kill signal.
	Grace time.Duration `yaml:"grace" validate:"gt=0"`

	// MaxSilentPeriods is how many consecutive inactivity expiries stop the
	// run. Zero never stops on inactivity alone.
	MaxSilentPeriods int `yaml:"max_silent_periods" validate:"gte=0"`
}

// DefaultTimeouts returns the default run bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Start:            10 * time.Second,
		Inactivity:       30 * time.Second,
		Overall:          120 * time.Second,
		Grace:            5 * time.Second,
		MaxSilentPeriods: 2,
	}
}

// Runner is implemented by Executor. Consumers depend on it so tests can
// replace process execution.
type Runner interface {
	Stream(ctx context.Context, cmd Command) iter.Seq2[Line, error]
	StreamEager(ctx context.Context, cmd Command) iter.Seq2[Line, error]
}

// ExecutorConfig is the configuration of an Executor.
type ExecutorConfig struct {
	Timeouts Timeouts

	// TailLines is how many trailing lines are kept for error messages.
	TailLines int

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

func (c *ExecutorConfig) defaults() error {
	def := DefaultTimeouts()
	if c.Timeouts.Start == 0 {
		c.Timeouts.Start = def.Start
	}
	if c.Timeouts.Inactivity == 0 {
		c.Timeouts.Inactivity = def.Inactivity
	}
	if c.Timeouts.Overall == 0 {
		c.Timeouts.Overall = def.Overall
	}
	if c.Timeouts.Grace == 0 {
		c.Timeouts.Grace = def.Grace
	}
	if c.Timeouts.MaxSilentPeriods < 0 {
		return fmt.Errorf("max silent periods must not be negative")
	}
	if c.TailLines == 0 {
		c.TailLines = 20
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	c.Logger = c.Logger.NewComponentLogger("process")
	return nil
}

// Executor starts commands and streams their output.
type Executor struct {
	cfg    ExecutorConfig
	logger *telemetry.Logger
}

// NewExecutor returns a new Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Executor{cfg: cfg, logger: cfg.Logger}, nil
}

// Timeouts returns the bounds used for every run.
func (e *Executor) Timeouts() Timeouts {
	return e.cfg.Timeouts
}

// Stream runs cmd and yields its output lines. A non-zero exit ends the
// stream with an *ExecError carrying the exit code.
func (e *Executor) Stream(ctx context.Context, cmd Command) iter.Seq2[Line, error] {
	return e.stream(ctx, cmd, false)
}

// StreamEager is Stream that also fails when any line contains
// InlineErrorMarker, even if the process exits with code zero.
func (e *Executor) StreamEager(ctx context.Context, cmd Command) iter.Seq2[Line, error] {
	return e.stream(ctx, cmd, true)
}

// errAbandoned ends a run whose consumer stopped iterating.
var errAbandoned = errors.New("stream abandoned by consumer")

func (e *Executor) stream(ctx context.Context, cmd Command, eager bool) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		tool := cmd.tool()
		ctx, span := e.cfg.Tracer.StartCommandSpan(ctx, tool, cmd.Args)
		timer := telemetry.NewTimer()
		e.cfg.Metrics.RecordCommandStarted(tool)

		r := &run{
			cmd:      cmd,
			eager:    eager,
			timeouts: e.cfg.Timeouts,
			tail:     newTail(e.cfg.TailLines),
			state:    &stateMachine{},
			metrics:  e.cfg.Metrics,
			logger:   e.logger.WithField("tool", tool),
		}
		err := r.execute(ctx, yield)

		final := r.state.get()
		e.cfg.Metrics.RecordCommandFinished(tool, final.String(), timer.Duration())
		r.logger.Zerolog().Debug().
			Str("state", final.String()).
			Dur("duration", timer.Duration()).
			Msg("command finished")

		if errors.Is(err, errAbandoned) {
			telemetry.EndSpan(span, nil)
			return
		}
		telemetry.EndSpan(span, err)
		if err != nil {
			yield(Line{}, err)
		}
	}
}

// run is the state of one command run.
type run struct {
	cmd      Command
	eager    bool
	timeouts Timeouts
	tail     *tail
	state    *stateMachine
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger

	proc       *exec.Cmd
	waitc      chan error
	exited     bool
	waitErr    error
	markerSeen bool
}

func (r *run) execute(ctx context.Context, yield func(Line, error) bool) error {
	_ = r.state.to(StateStarting)
	deadline := time.Now().Add(r.timeouts.Overall)

	out, err := r.start()
	if err != nil {
		_ = r.state.to(StateFailed)
		return err
	}
	_ = r.state.to(StateStreaming)

	lines := make(chan string)
	stop := make(chan struct{})
	defer out.Close()
	defer close(stop)
	defer r.ensureStopped()
	go readLines(out, lines, stop)

	overall := time.NewTimer(time.Until(deadline))
	defer overall.Stop()
	inactivity := time.NewTimer(r.timeouts.Inactivity)
	defer inactivity.Stop()
	silent := 0

	// Once the process exits, background children still holding the pipe
	// get one grace period before they are killed.
	waitc := r.waitc
	var drain <-chan time.Time

	for streaming := true; streaming; {
		select {
		case line, ok := <-lines:
			if !ok {
				streaming = false
				break
			}
			inactivity.Reset(r.timeouts.Inactivity)
			silent = 0
			r.tail.add(line)
			if r.eager && strings.Contains(StripANSI(line), InlineErrorMarker) {
				r.markerSeen = true
			}
			if !yield(Line{Kind: LineOutput, Text: line}, nil) {
				r.terminate(StateKilled)
				return errAbandoned
			}

		case <-inactivity.C:
			silent++
			r.metrics.RecordInactivityWarning(r.cmd.tool())
			if r.timeouts.MaxSilentPeriods > 0 && silent >= r.timeouts.MaxSilentPeriods {
				r.logger.Warnf("no output for %s, stopping command", time.Duration(silent)*r.timeouts.Inactivity)
				r.terminate(StateTimedOut)
				return r.fail(KindInactivityTimeout, fmt.Errorf("no output for %s", time.Duration(silent)*r.timeouts.Inactivity))
			}
			inactivity.Reset(r.timeouts.Inactivity)
			warning := fmt.Sprintf("no output for %s, the command may still be working", r.timeouts.Inactivity)
			if !yield(Line{Kind: LineWarning, Text: warning}, nil) {
				r.terminate(StateKilled)
				return errAbandoned
			}

		case err := <-waitc:
			r.exited = true
			r.waitErr = err
			waitc = nil
			drainTimer := time.NewTimer(r.timeouts.Grace)
			defer drainTimer.Stop()
			drain = drainTimer.C

		case <-drain:
			r.logger.Warnf("command exited but its output stayed open for %s, killing leftover processes", r.timeouts.Grace)
			if err := killProcess(r.proc); err != nil {
				r.logger.WithError(err).Debug("kill signal failed")
			}
			streaming = false

		case <-overall.C:
			r.logger.Warnf("overall timeout of %s reached, stopping command", r.timeouts.Overall)
			r.terminate(StateTimedOut)
			return r.fail(KindOverallTimeout, fmt.Errorf("timeout after %s", r.timeouts.Overall))

		case <-ctx.Done():
			r.terminate(StateKilled)
			return r.fail(KindCancelled, ctx.Err())
		}
	}

	if r.exited {
		return r.result()
	}

	// Output is closed; the exit wait shares the overall budget.
	select {
	case err := <-r.waitc:
		r.exited = true
		r.waitErr = err
	case <-overall.C:
		r.terminate(StateTimedOut)
		return r.fail(KindOverallTimeout, fmt.Errorf("timeout after %s waiting for exit", r.timeouts.Overall))
	case <-ctx.Done():
		r.terminate(StateKilled)
		return r.fail(KindCancelled, ctx.Err())
	}

	return r.result()
}

// start launches the process with stdout and stderr sharing one pipe.
func (r *run) start() (io.ReadCloser, error) {
	c := exec.Command(r.cmd.Path, r.cmd.Args...)
	c.Dir = r.cmd.Dir
	c.Env = append(os.Environ(), r.cmd.Env...)
	if r.cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(r.cmd.Stdin)
	}
	setProcessGroup(c)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, r.fail(KindStartFailure, err)
	}
	c.Stdout = pw
	c.Stderr = pw

	r.logger.Zerolog().Debug().Str("command", r.cmd.String()).Str("dir", r.cmd.Dir).Msg("starting command")

	startc := make(chan error, 1)
	go func() { startc <- c.Start() }()

	timer := time.NewTimer(r.timeouts.Start)
	defer timer.Stop()

	select {
	case err := <-startc:
		_ = pw.Close()
		if err != nil {
			_ = pr.Close()
			return nil, r.fail(KindStartFailure, err)
		}
	case <-timer.C:
		// Reap the process if the start eventually succeeds.
		go func() {
			if err := <-startc; err == nil {
				_ = killProcess(c)
				_ = c.Wait()
			}
			_ = pw.Close()
			_ = pr.Close()
		}()
		return nil, r.fail(KindStartFailure, fmt.Errorf("process did not start within %s", r.timeouts.Start))
	}

	r.proc = c
	r.waitc = make(chan error, 1)
	go func() { r.waitc <- c.Wait() }()
	return pr, nil
}

// terminate stops a running process: terminate signal, grace period, kill.
func (r *run) terminate(final State) {
	_ = r.state.to(final)
	if r.proc == nil {
		return
	}
	if r.exited {
		// Only leftover children of the group can still be running.
		_ = killProcess(r.proc)
		return
	}
	if err := terminateProcess(r.proc); err != nil {
		r.logger.WithError(err).Debug("terminate signal failed")
	}
	if r.reap(r.timeouts.Grace) {
		return
	}
	r.logger.Warnf("command still running %s after terminate, killing", r.timeouts.Grace)
	if err := killProcess(r.proc); err != nil {
		r.logger.WithError(err).Debug("kill signal failed")
	}
	if !r.reap(r.timeouts.Grace) {
		r.logger.Error("command did not exit after kill")
	}
}

// ensureStopped runs on every exit path of execute.
func (r *run) ensureStopped() {
	if r.proc != nil && !r.exited {
		r.terminate(StateKilled)
	}
}

func (r *run) reap(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-r.waitc:
		r.exited = true
		r.waitErr = err
		return true
	case <-t.C:
		return false
	}
}

func (r *run) result() error {
	if r.waitErr == nil {
		if r.markerSeen {
			_ = r.state.to(StateFailed)
			return &ExecError{
				Kind:    KindInlineError,
				Command: r.cmd.String(),
				Output:  r.tail.String(),
			}
		}
		_ = r.state.to(StateSucceeded)
		return nil
	}

	_ = r.state.to(StateFailed)
	code := -1
	var exitErr *exec.ExitError
	if errors.As(r.waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExecError{
		Kind:     KindNonZeroExit,
		Command:  r.cmd.String(),
		ExitCode: code,
		Output:   r.tail.String(),
		Err:      r.waitErr,
	}
}

func (r *run) fail(kind ErrorKind, err error) error {
	return &ExecError{
		Kind:     kind,
		Command:  r.cmd.String(),
		ExitCode: -1,
		Output:   r.tail.String(),
		Err:      err,
	}
}

// readLines decodes lines from r until EOF or until stop is closed.
func readLines(r io.Reader, out chan<- string, stop <-chan struct{}) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		s, err := br.ReadString('\n')
		if len(s) > 0 {
			line := strings.ToValidUTF8(strings.TrimRight(s, "\r\n"), "")
			select {
			case out <- line:
			case <-stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Collect drains a stream and returns the output lines. Warnings are
// dropped.
func Collect(seq iter.Seq2[Line, error]) ([]string, error) {
	var lines []string
	for line, err := range seq {
		if err != nil {
			return lines, err
		}
		if line.Kind == LineOutput {
			lines = append(lines, line.Text)
		}
	}
	return lines, nil
}
