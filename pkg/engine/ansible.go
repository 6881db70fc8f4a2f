package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/fourclicks/deployd/pkg/process"
	"github.com/fourclicks/deployd/pkg/progress"
)

// ansibleStrategy runs one playbook against all hosts at once.
type ansibleStrategy struct {
	cfg *StreamerConfig
}

func (a *ansibleStrategy) Execute(ctx context.Context, s *Session, keyPath string) iter.Seq[progress.Event] {
	return func(yield func(progress.Event) bool) {
		playbook, err := a.cfg.templatePath(s.Template)
		if err != nil {
			yield(progress.Errorf("%s", err))
			return
		}

		inventory, err := a.cfg.tempFile("deployd-inventory-*.ini", BuildInventory(s.Hosts), 0o600)
		if err != nil {
			yield(progress.Errorf("%s", err))
			return
		}
		defer removeTemp(ctx, inventory)

		args, err := a.args(inventory, playbook, keyPath, s.Task.Parameters)
		if err != nil {
			yield(progress.Errorf("invalid task parameters: %s", err))
			return
		}

		if !yield(progress.New(progress.StatusExecuting, "🚀 Running playbook %s on %s",
			s.Template.Path, strings.Join(s.Hosts, ", "))) {
			return
		}

		cmd := process.Command{
			Path: a.cfg.Ansible.Binary,
			Args: args,
			Env: []string{
				"ANSIBLE_HOST_KEY_CHECKING=False",
				"ANSIBLE_FORCE_COLOR=0",
				"PYTHONUNBUFFERED=1",
			},
			Tool: "ansible-playbook",
		}
		ok, err := pump(a.cfg.Runner.Stream(ctx, cmd), "", yield)
		if !ok {
			return
		}
		if err != nil {
			yield(progress.Errorf("Playbook failed: %s", failureMessage(err)))
			return
		}
		yield(progress.New(progress.StatusSuccess, "✅ Playbook finished on %d host(s)", len(s.Hosts)))
	}
}

func (a *ansibleStrategy) args(inventory, playbook, keyPath string, params map[string]any) ([]string, error) {
	args := []string{
		"-i", inventory,
		playbook,
		"-v",
		"--ssh-common-args", a.cfg.Ansible.SSHCommonArgs,
		"--timeout", strconv.Itoa(a.cfg.Ansible.ConnectionTimeout),
	}
	if keyPath != "" {
		args = append(args, "--private-key", keyPath)
	}
	extra, err := ExtraVars(params)
	if err != nil {
		return nil, err
	}
	for _, e := range extra {
		args = append(args, "-e", e)
	}
	return args, nil
}

// BuildInventory renders a flat inventory with every host in the targets
// group. The local pseudo-host uses a local connection.
func BuildInventory(hosts []string) []byte {
	var b strings.Builder
	b.WriteString("[targets]\n")
	for _, h := range hosts {
		if IsLocal(h) {
			b.WriteString("localhost ansible_connection=local\n")
			continue
		}
		b.WriteString(h)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// ExtraVars converts task parameters to ansible extra-vars arguments. Scalars
// become sorted key=value pairs; lists and objects are passed together as one
// JSON document so their structure survives.
func ExtraVars(params map[string]any) ([]string, error) {
	var out []string
	structured := make(map[string]any)
	for _, k := range slices.Sorted(maps.Keys(params)) {
		v := params[k]
		if !isScalar(v) {
			structured[k] = v
			continue
		}
		s, err := formatParam(v)
		if err != nil {
			return nil, err
		}
		if strings.ContainsAny(s, " \t\n'\"") {
			s = strconv.Quote(s)
		}
		out = append(out, fmt.Sprintf("%s=%s", k, s))
	}
	if len(structured) > 0 {
		b, err := json.Marshal(structured)
		if err != nil {
			return nil, fmt.Errorf("failed to encode structured parameters: %w", err)
		}
		out = append(out, string(b))
	}
	return out, nil
}
