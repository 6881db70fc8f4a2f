package ssh

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		mutate  func(*Config)
		wantErr string
	}{
		"valid with password": {
			mutate: func(c *Config) { c.Password = "secret" },
		},
		"valid with key path": {
			mutate: func(c *Config) { c.PrivateKeyPath = "/tmp/key" },
		},
		"missing host": {
			mutate:  func(c *Config) { c.Host = ""; c.Password = "x" },
			wantErr: "host is required",
		},
		"bad port": {
			mutate:  func(c *Config) { c.Port = 70000; c.Password = "x" },
			wantErr: "invalid port",
		},
		"missing user": {
			mutate:  func(c *Config) { c.User = ""; c.Password = "x" },
			wantErr: "user is required",
		},
		"no credentials": {
			mutate:  func(c *Config) {},
			wantErr: "password or a private key",
		},
		"zero timeout": {
			mutate:  func(c *Config) { c.Password = "x"; c.ConnectionTimeout = 0 },
			wantErr: "timeout must be positive",
		},
		"strict without known hosts": {
			mutate: func(c *Config) {
				c.Password = "x"
				c.StrictHostKeyChecking = true
				c.KnownHostsPath = ""
			},
			wantErr: "known hosts path",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig("web-1", "root")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigAddress(t *testing.T) {
	cfg := DefaultConfig("10.0.0.5", "root")
	assert.Equal(t, "10.0.0.5:22", cfg.Address())

	cfg = DefaultConfig("::1", "root")
	cfg.Port = 2222
	assert.Equal(t, "[::1]:2222", cfg.Address())
}

func TestClientConfigAuthMethods(t *testing.T) {
	cfg := DefaultConfig("web-1", "root")
	cfg.Password = "secret"
	cfg.ConnectionTimeout = 5 * time.Second

	cc, err := cfg.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "root", cc.User)
	assert.Len(t, cc.Auth, 2)
	assert.Equal(t, 5*time.Second, cc.Timeout)

	cfg.PrivateKey = []byte("not pem")
	_, err = cfg.ClientConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")

	cfg.PrivateKey = nil
	cfg.StrictHostKeyChecking = true
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "missing")
	_, err = cfg.ClientConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known_hosts")
}
