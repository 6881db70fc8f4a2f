package engine

import (
	"context"
	"fmt"
	"iter"
	"os"
	"strings"

	"github.com/fourclicks/deployd/pkg/process"
	"github.com/fourclicks/deployd/pkg/progress"
	"github.com/fourclicks/deployd/pkg/telemetry"
)

// bashStrategy renders a script and runs it on each host in turn.
type bashStrategy struct {
	cfg *StreamerConfig
}

func (b *bashStrategy) Execute(ctx context.Context, s *Session, keyPath string) iter.Seq[progress.Event] {
	return func(yield func(progress.Event) bool) {
		path, err := b.cfg.templatePath(s.Template)
		if err != nil {
			yield(progress.Errorf("%s", err))
			return
		}
		content, err := os.ReadFile(path)
		if err != nil {
			yield(progress.Errorf("failed to read script: %s", err))
			return
		}
		rendered, err := Render(string(content), s.Task.Parameters)
		if err != nil {
			yield(progress.Errorf("%s", err))
			return
		}

		script, err := b.cfg.tempFile("deployd-script-*.sh", []byte(rendered), 0o700)
		if err != nil {
			yield(progress.Errorf("%s", err))
			return
		}
		defer removeTemp(ctx, script)

		logger := telemetry.FromContext(ctx)
		var failed []string
		for i, host := range s.Hosts {
			if !yield(progress.New(progress.StatusExecuting, "🖥️ Running %s on %s (%d/%d)",
				s.Template.Path, host, i+1, len(s.Hosts)).ForHost(host)) {
				return
			}

			ok, err := pump(b.cfg.Runner.Stream(ctx, b.command(host, script, keyPath, rendered)), host, yield)
			if !ok {
				return
			}
			b.cfg.Metrics.RecordHostRun(err == nil)
			if err != nil {
				logger.WithHost(host).WithError(err).Warn("script failed on host")
				failed = append(failed, host)
				if !yield(progress.Errorf("Script failed on %s: %s", host, failureMessage(err)).ForHost(host)) {
					return
				}
				continue
			}
			if !yield(progress.New(progress.StatusSuccess, "✅ Script finished on %s", host).ForHost(host)) {
				return
			}
		}

		if len(failed) > 0 {
			yield(progress.Errorf("Script failed on %d of %d host(s): %s",
				len(failed), len(s.Hosts), strings.Join(failed, ", ")))
			return
		}
		yield(progress.New(progress.StatusSuccess, "✅ Script finished on all %d host(s)", len(s.Hosts)))
	}
}

// command builds the invocation for one host. Remote hosts read the script
// from standard input.
func (b *bashStrategy) command(host, script, keyPath, rendered string) process.Command {
	if IsLocal(host) {
		return process.Command{
			Path: b.cfg.BashBinary,
			Args: []string{script},
			Tool: "bash",
		}
	}
	return process.Command{
		Path:  b.cfg.SSH.Binary,
		Args:  SSHArgs(b.cfg.SSH, host, keyPath, "bash", "-s"),
		Stdin: []byte(rendered),
		Tool:  "ssh",
	}
}

// SSHArgs builds the argument vector for a non-interactive ssh invocation.
func SSHArgs(cfg SSHConfig, host, keyPath string, remote ...string) []string {
	var args []string
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	args = append(args, cfg.Options...)
	if cfg.User != "" && !strings.Contains(host, "@") {
		host = fmt.Sprintf("%s@%s", cfg.User, host)
	}
	args = append(args, host)
	return append(args, remote...)
}
