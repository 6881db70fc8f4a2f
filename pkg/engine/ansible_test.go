package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInventory(t *testing.T) {
	assert.Equal(t, "[targets]\n10.0.0.1\nweb.example.com\n",
		string(BuildInventory([]string{"10.0.0.1", "web.example.com"})))
	assert.Equal(t, "[targets]\nlocalhost ansible_connection=local\n",
		string(BuildInventory([]string{LocalHost})))
}

func TestExtraVars(t *testing.T) {
	tests := map[string]struct {
		params map[string]any
		exp    []string
	}{
		"No parameters should produce no arguments.": {},
		"Scalars should be sorted key=value pairs.": {
			params: map[string]any{"version": "1.2", "count": float64(2), "enabled": true},
			exp:    []string{"count=2", "enabled=true", "version=1.2"},
		},
		"Values with spaces should be quoted.": {
			params: map[string]any{"motd": "hello world"},
			exp:    []string{`motd="hello world"`},
		},
		"Structured values should be grouped into one JSON document.": {
			params: map[string]any{"env": "prod", "users": []any{"ann", "bob"}, "limits": map[string]any{"cpu": float64(2)}},
			exp:    []string{"env=prod", `{"limits":{"cpu":2},"users":["ann","bob"]}`},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ExtraVars(test.params)
			require.NoError(t, err)
			assert.Equal(t, test.exp, got)
		})
	}
}

func TestSSHArgs(t *testing.T) {
	cfg := SSHConfig{Options: []string{"-o", "BatchMode=yes"}}
	assert.Equal(t,
		[]string{"-i", "/tmp/key", "-o", "BatchMode=yes", "10.0.0.1", "bash", "-s"},
		SSHArgs(cfg, "10.0.0.1", "/tmp/key", "bash", "-s"))

	cfg.User = "deploy"
	assert.Equal(t,
		[]string{"-o", "BatchMode=yes", "deploy@10.0.0.1", "bash", "-s"},
		SSHArgs(cfg, "10.0.0.1", "", "bash", "-s"))
	assert.Equal(t,
		[]string{"-o", "BatchMode=yes", "root@10.0.0.1"},
		SSHArgs(cfg, "root@10.0.0.1", ""))
}
