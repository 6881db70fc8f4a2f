package commands

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/fourclicks/deployd/pkg/config"
	"github.com/fourclicks/deployd/pkg/progress"
)

// workspace writes a config file with its own database and directories and
// returns the config path.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tasks", "scripts"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "infra"), 0o755))

	cfg := "database:\n  path: " + filepath.Join(dir, "deployd.db") + "\n" +
		"paths:\n  tasks_dir: tasks\n  infra_dir: infra\n  temp_dir: " + t.TempDir() + "\n" +
		"telemetry:\n  logging:\n    level: error\n"
	path := filepath.Join(dir, "deployd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseAssignments(t *testing.T) {
	tests := map[string]struct {
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		"none": {
			want: nil,
		},
		"typed values": {
			pairs: []string{"name=web-1", "count=3", "enabled=true", `tags=["a","b"]`, "empty="},
			want: map[string]any{
				"name":    "web-1",
				"count":   float64(3),
				"enabled": true,
				"tags":    []any{"a", "b"},
				"empty":   "",
			},
		},
		"value keeps later equals signs": {
			pairs: []string{"query=a=b"},
			want:  map[string]any{"query": "a=b"},
		},
		"missing equals": {
			pairs:   []string{"name"},
			wantErr: true,
		},
		"missing key": {
			pairs:   []string{"=value"},
			wantErr: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := parseAssignments(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventPrinter(t *testing.T) {
	events := []progress.Event{
		progress.New(progress.StatusStarting, "go"),
		progress.Output("hello").ForHost("web-1"),
		progress.New(progress.StatusCompleted, "done"),
		progress.StreamEnd(),
	}

	var text bytes.Buffer
	p := newEventPrinter(&text, false)
	for _, ev := range events {
		p.print(ev)
	}
	assert.Equal(t, "go\n[web-1] hello\ndone\n", text.String())

	var js bytes.Buffer
	p = newEventPrinter(&js, true)
	for _, ev := range events {
		p.print(ev)
	}
	lines := strings.Split(strings.TrimSpace(js.String()), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"status":"output","message":"hello","host":"web-1"}`, lines[1])
}

func TestPostStream(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/execute" {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			progress.SetHeaders(w.Header())
			enc := progress.NewEncoder(w)
			_ = enc.Encode(progress.Output("remote line"))
			_ = enc.Encode(progress.New(progress.StatusCompleted, "done"))
			_ = enc.Encode(progress.StreamEnd())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"template 9 not found","code":"NOT_FOUND"}`))
	}))
	defer srv.Close()

	events, err := postStream(context.Background(), serverURL(srv.URL+"/", "tasks", "execute"), map[string]any{"template_id": 1})
	require.NoError(t, err)

	var out bytes.Buffer
	outcome := newEventPrinter(&out, false).follow(events)
	assert.True(t, outcome.Completed())
	assert.Equal(t, "remote line\ndone\n", out.String())
	assert.Equal(t, float64(1), gotBody["template_id"])

	_, err = postStream(context.Background(), serverURL(srv.URL, "tasks", "other"), struct{}{})
	require.Error(t, err)
	assert.Equal(t, "template 9 not found (NOT_FOUND)", err.Error())
}

func TestTemplatesAndLocalTaskRun(t *testing.T) {
	cfgPath := workspace(t)
	script := filepath.Join(filepath.Dir(cfgPath), "tasks", "scripts", "hello.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo hello {{name}}\n"), 0o644))

	out, err := runCLI(t, "--config", cfgPath, "templates", "add", "hello", "scripts/hello.sh", "--kind", "bash")
	require.NoError(t, err)
	assert.Contains(t, out, `Template "hello" registered with id 1`)

	_, err = runCLI(t, "--config", cfgPath, "templates", "add", "missing", "scripts/nope.sh")
	require.Error(t, err)
	_, err = runCLI(t, "--config", cfgPath, "templates", "add", "escape", "../deployd.yaml")
	require.Error(t, err)

	out, err = runCLI(t, "--config", cfgPath, "task", "run", "1", "--param", "name=world")
	require.NoError(t, err)
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "Starting task")

	out, err = runCLI(t, "--config", cfgPath, "task", "list", "--json")
	require.NoError(t, err)
	var tasks []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "completed", tasks[0]["status"])
}

func TestLocalTaskRunFailureMarksTaskFailed(t *testing.T) {
	cfgPath := workspace(t)
	script := filepath.Join(filepath.Dir(cfgPath), "tasks", "scripts", "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo {{missing}}\n"), 0o644))

	_, err := runCLI(t, "--config", cfgPath, "templates", "add", "fail", "scripts/fail.sh")
	require.NoError(t, err)

	_, err = runCLI(t, "--config", cfgPath, "task", "run", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	out, err := runCLI(t, "--config", cfgPath, "task", "list", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "failed"`)
}

func TestKeysCommands(t *testing.T) {
	cfgPath := workspace(t)

	t.Setenv(config.SecretEnv, "")
	_, err := runCLI(t, "--config", cfgPath, "keys", "generate", "deploy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.SecretEnv)

	t.Setenv(config.SecretEnv, "test-server-secret")
	out, err := runCLI(t, "--config", cfgPath, "keys", "generate", "deploy")
	require.NoError(t, err)
	assert.Contains(t, out, "SHA256:")
	assert.Contains(t, out, "ssh-ed25519 ")

	out, err = runCLI(t, "--config", cfgPath, "keys", "list", "--json")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "deploy", recs[0]["name"])
	assert.NotContains(t, out, "PRIVATE KEY")

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	pubFile := filepath.Join(t.TempDir(), "id.pub")
	require.NoError(t, os.WriteFile(pubFile, ssh.MarshalAuthorizedKey(sshPub), 0o644))

	out, err = runCLI(t, "keys", "fingerprint", pubFile)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(sshPub)+"\n", out)
}

func TestVarsCommands(t *testing.T) {
	cfgPath := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "vars", "set", "shop", "region=eu-west-1", "count=3")
	require.NoError(t, err)
	_, err = runCLI(t, "--config", cfgPath, "vars", "set", "shop", "--workspace", "prod", "--sensitive", "token=abc")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "vars", "list", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "eu-west-1")
	assert.Contains(t, out, "(sensitive)")
	assert.NotContains(t, out, "abc")
}

func TestTerraformRequiresProject(t *testing.T) {
	cfgPath := workspace(t)

	_, err := runCLI(t, "--config", cfgPath, "terraform", "plan", "nope", "--workspace", "dev", "--var", "a=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	_, err = runCLI(t, "--config", cfgPath, "terraform", "plan", "nope")
	require.Error(t, err)
}
