package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fourclicks/deployd/pkg/telemetry"
)

// ManagerConfig is the configuration of a Manager.
type ManagerConfig struct {
	Cipher *Cipher

	// TempDir is where key files are created. Empty uses os.TempDir.
	TempDir string

	Logger *telemetry.Logger
}

func (c *ManagerConfig) defaults() error {
	if c.Cipher == nil {
		return fmt.Errorf("cipher is required")
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	c.Logger = c.Logger.NewComponentLogger("credentials")
	return nil
}

// Manager materializes encrypted keys as temporary files.
type Manager struct {
	cipher  *Cipher
	tempDir string
	logger  *telemetry.Logger
}

// NewManager returns a new Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Manager{cipher: cfg.Cipher, tempDir: cfg.TempDir, logger: cfg.Logger}, nil
}

// Material is a decrypted private key on disk. Release must be called on
// every path once the key is no longer needed.
type Material struct {
	path   string
	once   sync.Once
	logger *telemetry.Logger
}

// Path is the key file location.
func (m *Material) Path() string {
	return m.path
}

// Release deletes the key file. It is safe to call more than once and
// failures are only logged.
func (m *Material) Release() {
	m.once.Do(func() {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			m.logger.WithError(err).Warnf("could not remove key file %s", m.path)
			return
		}
		m.logger.Debug("key file removed")
	})
}

// Materialize decrypts blob and writes it to a new owner-only file.
func (m *Manager) Materialize(blob, passphrase string) (*Material, error) {
	key, err := m.cipher.Decrypt(blob, passphrase)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	// CreateTemp opens with mode 0600, so the file is never readable by
	// others, even before the key is written.
	f, err := os.CreateTemp(m.tempDir, "deployd-key-*")
	if err != nil {
		return nil, fmt.Errorf("could not create key file: %w", err)
	}
	mat := &Material{path: f.Name(), logger: m.logger.WithField("path", f.Name())}

	if err := writeKey(f, key); err != nil {
		_ = f.Close()
		mat.Release()
		return nil, fmt.Errorf("could not write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		mat.Release()
		return nil, fmt.Errorf("could not close key file: %w", err)
	}

	m.logger.Debug("key file materialized")
	return mat, nil
}

func writeKey(f *os.File, key []byte) error {
	if err := f.Chmod(0o600); err != nil {
		return err
	}
	if _, err := f.Write(key); err != nil {
		return err
	}
	// OpenSSH refuses key files without a trailing newline.
	if len(key) > 0 && key[len(key)-1] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return f.Sync()
}

// With materializes the key, runs fn with its path and releases the key
// whatever fn returns.
func (m *Manager) With(ctx context.Context, blob, passphrase string, fn func(ctx context.Context, keyPath string) error) error {
	mat, err := m.Materialize(blob, passphrase)
	if err != nil {
		return err
	}
	defer mat.Release()
	return fn(ctx, mat.Path())
}
