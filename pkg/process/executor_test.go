//go:build unix

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, timeouts Timeouts) *Executor {
	t.Helper()
	e, err := NewExecutor(ExecutorConfig{Timeouts: timeouts})
	require.NoError(t, err)
	return e
}

func shell(script string) Command {
	return Command{Path: "sh", Args: []string{"-c", script}}
}

// drain collects every element of a stream, including the terminal error.
func drain(t *testing.T, e *Executor, cmd Command, eager bool) (lines []Line, errs []error) {
	t.Helper()
	seq := e.Stream(context.Background(), cmd)
	if eager {
		seq = e.StreamEager(context.Background(), cmd)
	}
	for line, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lines = append(lines, line)
	}
	return lines, errs
}

func outputTexts(lines []Line) []string {
	var out []string
	for _, l := range lines {
		if l.Kind == LineOutput {
			out = append(out, l.Text)
		}
	}
	return out
}

func processGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

// processStopped also accepts a zombie, for orphans whose reaping is up to
// the init process.
func processStopped(pid int) bool {
	if processGone(pid) {
		return true
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(data, ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}

func TestStreamLines(t *testing.T) {
	tests := map[string]struct {
		cmd      Command
		eager    bool
		expLines []string
		expErr   error
		expCode  int
	}{
		"Every written line should be yielded in order.": {
			cmd:      shell(`printf 'one\ntwo\n\nthree'`),
			expLines: []string{"one", "two", "", "three"},
		},
		"Carriage returns should be stripped.": {
			cmd:      shell(`printf 'win\r\n'`),
			expLines: []string{"win"},
		},
		"Stdin payload should reach the process.": {
			cmd:      Command{Path: "sh", Args: []string{"-s"}, Stdin: []byte("echo from-stdin\n")},
			expLines: []string{"from-stdin"},
		},
		"A non zero exit should end with one error carrying the exit code.": {
			cmd:      shell(`echo boom; exit 3`),
			expLines: []string{"boom"},
			expErr:   ErrNonZeroExit,
			expCode:  3,
		},
		"The plain stream should ignore inline error markers.": {
			cmd:      shell(`echo "Error: something"; exit 0`),
			expLines: []string{"Error: something"},
		},
		"The eager stream should fail on an inline error marker with exit code zero.": {
			cmd:      shell(`echo "Error: something"; exit 0`),
			eager:    true,
			expLines: []string{"Error: something"},
			expErr:   ErrInlineError,
			expCode:  0,
		},
		"The eager stream should report the exit code when the process also fails.": {
			cmd:      shell(`echo "Error: bad"; exit 2`),
			eager:    true,
			expLines: []string{"Error: bad"},
			expErr:   ErrNonZeroExit,
			expCode:  2,
		},
		"A missing binary should be a start failure.": {
			cmd:    Command{Path: "/nonexistent/deployd-test-binary"},
			expErr: ErrStartFailure,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			e := newTestExecutor(t, Timeouts{})

			lines, errs := drain(t, e, test.cmd, test.eager)

			assert.Equal(test.expLines, outputTexts(lines))
			if test.expErr == nil {
				assert.Empty(errs)
				return
			}
			require.Len(t, errs, 1)
			assert.ErrorIs(errs[0], test.expErr)
			if test.expErr == ErrNonZeroExit || test.expErr == ErrInlineError {
				code, ok := ExitCode(errs[0])
				assert.True(ok)
				assert.Equal(test.expCode, code)
			}
		})
	}
}

func TestStreamMergesStderr(t *testing.T) {
	e := newTestExecutor(t, Timeouts{})
	lines, errs := drain(t, e, shell(`echo out; echo err 1>&2`), false)

	assert.Empty(t, errs)
	assert.ElementsMatch(t, []string{"out", "err"}, outputTexts(lines))
}

func TestNonZeroExitCarriesStrippedTail(t *testing.T) {
	e := newTestExecutor(t, Timeouts{})
	_, errs := drain(t, e, shell(`printf '\033[31mred failure\033[0m\n'; exit 1`), false)

	require.Len(t, errs, 1)
	var execErr *ExecError
	require.ErrorAs(t, errs[0], &execErr)
	assert.Equal(t, "red failure", execErr.Output)
	assert.Equal(t, 1, execErr.ExitCode)
}

func TestOverallTimeoutTerminatesProcess(t *testing.T) {
	assert := assert.New(t)
	e := newTestExecutor(t, Timeouts{
		Start:      time.Second,
		Inactivity: 5 * time.Second,
		Overall:    300 * time.Millisecond,
		Grace:      200 * time.Millisecond,
	})

	lines, errs := drain(t, e, shell(`echo $$; sleep 30`), false)

	require.Len(t, errs, 1)
	assert.ErrorIs(errs[0], ErrOverallTimeout)
	assert.True(IsTimeout(errs[0]))
	assert.Contains(errs[0].Error(), "timeout")

	require.NotEmpty(t, lines)
	pid, err := strconv.Atoi(lines[0].Text)
	require.NoError(t, err)
	assert.True(processGone(pid), "process should not be running after a timeout")
}

func TestExitWithBackgroundChildReportsExitCode(t *testing.T) {
	e := newTestExecutor(t, Timeouts{
		Start:      time.Second,
		Inactivity: 5 * time.Second,
		Overall:    10 * time.Second,
		Grace:      200 * time.Millisecond,
	})

	start := time.Now()
	lines, errs := drain(t, e, shell(`echo hi; sleep 30 & echo $!; exit 3`), false)

	require.Len(t, errs, 1)
	var execErr *ExecError
	require.ErrorAs(t, errs[0], &execErr)
	assert.ErrorIs(t, errs[0], ErrNonZeroExit)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)

	texts := outputTexts(lines)
	require.Len(t, texts, 2)
	assert.Equal(t, "hi", texts[0])
	pid, err := strconv.Atoi(texts[1])
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return processStopped(pid) }, 2*time.Second, 20*time.Millisecond,
		"background child should be killed once the command exits")
}

func TestInactivityWarnsAndContinues(t *testing.T) {
	e := newTestExecutor(t, Timeouts{
		Inactivity:       100 * time.Millisecond,
		Overall:          5 * time.Second,
		MaxSilentPeriods: 0,
	})

	lines, errs := drain(t, e, shell(`sleep 0.35; echo done`), false)

	assert.Empty(t, errs)
	require.NotEmpty(t, lines)
	assert.Equal(t, LineWarning, lines[0].Kind)
	assert.Equal(t, []string{"done"}, outputTexts(lines))
}

func TestConsecutiveSilentPeriodsStopTheRun(t *testing.T) {
	e := newTestExecutor(t, Timeouts{
		Inactivity:       100 * time.Millisecond,
		Overall:          10 * time.Second,
		Grace:            200 * time.Millisecond,
		MaxSilentPeriods: 2,
	})

	start := time.Now()
	lines, errs := drain(t, e, shell(`sleep 30`), false)

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrInactivityTimeout)
	assert.Len(t, lines, 1)
	assert.Equal(t, LineWarning, lines[0].Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAbandonedStreamKillsProcess(t *testing.T) {
	e := newTestExecutor(t, Timeouts{Grace: 200 * time.Millisecond})

	var pid int
	for line, err := range e.Stream(context.Background(), shell(`echo $$; while true; do echo tick; sleep 0.05; done`)) {
		require.NoError(t, err)
		pid, err = strconv.Atoi(line.Text)
		require.NoError(t, err)
		break
	}

	require.NotZero(t, pid)
	assert.True(t, processGone(pid), "process should be reaped when the consumer stops")
}

func TestCancelledContextStopsRun(t *testing.T) {
	e := newTestExecutor(t, Timeouts{Grace: 200 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := Collect(e.Stream(ctx, shell(`sleep 30`)))

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollect(t *testing.T) {
	e := newTestExecutor(t, Timeouts{})

	lines, err := Collect(e.Stream(context.Background(), shell(`echo a; echo b`)))
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	lines, err = Collect(e.Stream(context.Background(), shell(`echo a; exit 4`)))
	assert.ErrorIs(t, err, ErrNonZeroExit)
	assert.Equal(t, []string{"a"}, lines)
}

func TestStreamIsLazy(t *testing.T) {
	e := newTestExecutor(t, Timeouts{})
	marker := t.TempDir() + "/ran"

	seq := e.Stream(context.Background(), shell(`touch `+marker))
	assert.NoFileExists(t, marker)

	_, err := Collect(seq)
	require.NoError(t, err)
	assert.FileExists(t, marker)
}
