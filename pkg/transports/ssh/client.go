package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fourclicks/deployd/pkg/telemetry"
)

// Client is a connected SSH client.
type Client struct {
	config *Config
	client *ssh.Client
	logger *telemetry.Logger
}

// Dial connects and authenticates. The dial honors both ctx and the
// configured connection timeout.
func Dial(ctx context.Context, cfg *Config, logger *telemetry.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake has no context of its own.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: isAuthError(err)}
	}

	logger.WithHost(address).Debug("SSH connection established")
	return &Client{
		config: cfg,
		client: ssh.NewClient(sshConn, chans, reqs),
		logger: logger.WithHost(address),
	}, nil
}

// isAuthError reports whether a handshake failed on authentication. The
// client side of x/crypto reports it only as a message.
func isAuthError(err error) bool {
	var noAuth *ssh.ServerAuthError
	if errors.As(err, &noAuth) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Run executes cmd and returns its combined output. Cancelling ctx closes
// the session.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	out, err := session.CombinedOutput(cmd)
	if ctx.Err() != nil {
		return string(out), &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	}
	if err != nil {
		return string(out), &TransportError{Op: "exec", Err: err}
	}
	return string(out), nil
}

// InstallAuthorizedKey adds publicKey to dir/authorized_keys on the host,
// creating dir with mode 0700 if needed. An empty dir means ".ssh" in the
// remote user's home. It reports whether the file changed.
func (c *Client) InstallAuthorizedKey(ctx context.Context, publicKey, dir string) (bool, error) {
	if dir == "" {
		dir = ".ssh"
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return false, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sc.Close()
	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	if err := sc.MkdirAll(dir); err != nil {
		return false, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to create %s: %w", dir, err)}
	}
	if err := sc.Chmod(dir, 0o700); err != nil {
		return false, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to restrict %s: %w", dir, err)}
	}

	file := path.Join(dir, "authorized_keys")
	existing, err := readRemote(sc, file)
	if err != nil {
		return false, &TransportError{Op: "sftp", Err: err}
	}

	merged, changed, err := MergeAuthorizedKey(existing, publicKey)
	if err != nil {
		return false, err
	}
	if !changed {
		c.logger.Debug("public key already authorized")
		return false, nil
	}

	f, err := sc.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return false, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to open %s: %w", file, err)}
	}
	if _, err := f.Write(merged); err != nil {
		_ = f.Close()
		return false, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to write %s: %w", file, err)}
	}
	if err := f.Close(); err != nil {
		return false, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to close %s: %w", file, err)}
	}
	if err := sc.Chmod(file, 0o600); err != nil {
		return false, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to restrict %s: %w", file, err)}
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	c.logger.Info("public key installed")
	return true, nil
}

func readRemote(sc *sftp.Client, file string) ([]byte, error) {
	f, err := sc.Open(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return buf.Bytes(), nil
}
