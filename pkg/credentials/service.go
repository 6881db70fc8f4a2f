package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fourclicks/deployd/pkg/telemetry"
)

// Record is a stored credential. The private key only exists encrypted.
type Record struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	Kind                KeyKind    `json:"key_type"`
	Bits                int        `json:"key_size,omitempty"`
	Fingerprint         string     `json:"fingerprint"`
	EncryptedPrivateKey string     `json:"-"`
	PublicKey           string     `json:"public_key"`
	PassphraseHint      string     `json:"passphrase_hint,omitempty"`
	Active              bool       `json:"is_active"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// KeyStore persists credential records.
type KeyStore interface {
	CreateCredential(ctx context.Context, rec *Record) error
	GetCredential(ctx context.Context, id int64) (*Record, error)
	// FingerprintInUse reports whether another credential than excludeID
	// already uses the fingerprint.
	FingerprintInUse(ctx context.Context, fingerprint string, excludeID int64) (bool, error)
	UpdateCredentialKey(ctx context.Context, rec *Record) error
	TouchCredential(ctx context.Context, id int64, at time.Time) error
}

// KeyServiceConfig is the configuration of a KeyService.
type KeyServiceConfig struct {
	Store  KeyStore
	Cipher *Cipher
	Logger *telemetry.Logger
}

func (c *KeyServiceConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Cipher == nil {
		return fmt.Errorf("cipher is required")
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	c.Logger = c.Logger.NewComponentLogger("keys")
	return nil
}

// KeyService generates, imports and rotates stored keys.
type KeyService struct {
	store  KeyStore
	cipher *Cipher
	logger *telemetry.Logger
}

// NewKeyService returns a new KeyService.
func NewKeyService(cfg KeyServiceConfig) (*KeyService, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &KeyService{store: cfg.Store, cipher: cfg.Cipher, logger: cfg.Logger}, nil
}

// GenerateRequest asks for a new key.
type GenerateRequest struct {
	Name           string  `validate:"required,max=255"`
	Kind           KeyKind `validate:"required,oneof=ed25519 rsa"`
	Bits           int     `validate:"omitempty,oneof=2048 3072 4096"`
	Passphrase     string
	PassphraseHint string `validate:"max=255"`
}

// Generate creates, encrypts and stores a new key.
func (s *KeyService) Generate(ctx context.Context, req GenerateRequest) (*Record, error) {
	pair, err := GenerateKeyPair(req.Kind, req.Bits, req.Name)
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, req.Name, req.Passphrase, req.PassphraseHint, pair)
}

// ImportRequest stores an existing key.
type ImportRequest struct {
	Name       string `validate:"required,max=255"`
	PrivateKey []byte `validate:"required"`
	// PublicKey is optional; it is derived from the private key when empty.
	PublicKey      string
	Passphrase     string
	PassphraseHint string `validate:"max=255"`
}

// Import parses, encrypts and stores an existing private key. The
// passphrase opens a protected key and also strengthens the at-rest
// encryption.
func (s *KeyService) Import(ctx context.Context, req ImportRequest) (*Record, error) {
	pair, err := ParsePrivateKey(req.PrivateKey, req.Passphrase)
	if err != nil {
		return nil, err
	}
	if pub := strings.TrimSpace(req.PublicKey); pub != "" {
		fp, err := Fingerprint(pub)
		if err != nil {
			return nil, err
		}
		if fp != pair.Fingerprint {
			return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
		}
		pair.PublicKey = pub
	}
	return s.persist(ctx, req.Name, req.Passphrase, req.PassphraseHint, pair)
}

func (s *KeyService) persist(ctx context.Context, name, passphrase, hint string, pair *KeyPair) (*Record, error) {
	inUse, err := s.store.FingerprintInUse(ctx, pair.Fingerprint, 0)
	if err != nil {
		return nil, fmt.Errorf("could not check fingerprint: %w", err)
	}
	if inUse {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, pair.Fingerprint)
	}

	blob, err := s.cipher.Encrypt(pair.PrivateKeyPEM, passphrase)
	if err != nil {
		return nil, fmt.Errorf("could not encrypt private key: %w", err)
	}

	rec := &Record{
		Name:                name,
		Kind:                pair.Kind,
		Bits:                pair.Bits,
		Fingerprint:         pair.Fingerprint,
		EncryptedPrivateKey: blob,
		PublicKey:           pair.PublicKey,
		PassphraseHint:      hint,
		Active:              true,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.store.CreateCredential(ctx, rec); err != nil {
		return nil, fmt.Errorf("could not store credential: %w", err)
	}

	s.logger.Zerolog().Info().
		Int64("credential_id", rec.ID).
		Str("fingerprint", rec.Fingerprint).
		Str("key_type", string(rec.Kind)).
		Msg("ssh key stored")
	return rec, nil
}

// Rotate replaces the key material of a credential with a new key of the
// same kind and size.
func (s *KeyService) Rotate(ctx context.Context, id int64, passphrase string) (*Record, error) {
	rec, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}

	pair, err := GenerateKeyPair(rec.Kind, rec.Bits, rec.Name)
	if err != nil {
		return nil, err
	}
	inUse, err := s.store.FingerprintInUse(ctx, pair.Fingerprint, id)
	if err != nil {
		return nil, fmt.Errorf("could not check fingerprint: %w", err)
	}
	if inUse {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, pair.Fingerprint)
	}

	blob, err := s.cipher.Encrypt(pair.PrivateKeyPEM, passphrase)
	if err != nil {
		return nil, fmt.Errorf("could not encrypt private key: %w", err)
	}
	rec.Fingerprint = pair.Fingerprint
	rec.EncryptedPrivateKey = blob
	rec.PublicKey = pair.PublicKey
	rec.PassphraseHint = ""
	if err := s.store.UpdateCredentialKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("could not update credential: %w", err)
	}

	s.logger.Zerolog().Info().Int64("credential_id", id).Str("fingerprint", rec.Fingerprint).Msg("ssh key rotated")
	return rec, nil
}

// Touch records that a credential has just been used. Failures are logged.
func (s *KeyService) Touch(ctx context.Context, id int64) {
	if err := s.store.TouchCredential(ctx, id, time.Now().UTC()); err != nil {
		s.logger.WithError(err).Warnf("could not update last use of credential %d", id)
	}
}
