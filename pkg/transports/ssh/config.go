// Package ssh talks to managed hosts directly over SSH. deployd runs task
// scripts through the ssh binary; this package covers what needs a protocol
// client, such as installing a stored public key on a host.
package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH connection configuration.
type Config struct {
	Host string
	Port int
	User string

	// Password enables password and keyboard-interactive authentication.
	Password string

	// PrivateKey is a PEM private key. It takes precedence over
	// PrivateKeyPath.
	PrivateKey           []byte
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is used when StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with the defaults for host and user.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:              host,
		Port:              22,
		User:              user,
		KnownHostsPath:    filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		ConnectionTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Password == "" && len(c.PrivateKey) == 0 && c.PrivateKeyPath == "" {
		return fmt.Errorf("a password or a private key is required")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("known hosts path is required for strict host key checking")
	}
	return nil
}

// ClientConfig builds the x/crypto/ssh client configuration.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	key := c.PrivateKey
	if len(key) == 0 && c.PrivateKeyPath != "" {
		var err error
		if key, err = os.ReadFile(c.PrivateKeyPath); err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
	}
	if len(key) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
		// Many servers only offer the interactive "Password:" prompt.
		auth = append(auth, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
