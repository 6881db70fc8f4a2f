package credentials

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	sshpkg "golang.org/x/crypto/ssh"
)

// KeyKind is the algorithm of an SSH key.
type KeyKind string

const (
	KeyKindED25519 KeyKind = "ed25519"
	KeyKindRSA     KeyKind = "rsa"
)

// Validate checks the key kind is supported.
func (k KeyKind) Validate() error {
	switch k {
	case KeyKindED25519, KeyKindRSA:
		return nil
	default:
		return fmt.Errorf("%w: unsupported key type %q", ErrInvalidKey, k)
	}
}

var validRSABits = map[int]bool{2048: true, 3072: true, 4096: true}

// KeyPair is generated or imported key material before encryption.
type KeyPair struct {
	Kind KeyKind

	// Bits is the RSA modulus size, zero for ed25519.
	Bits int

	// PrivateKeyPEM is an unencrypted OpenSSH private key.
	PrivateKeyPEM []byte

	// PublicKey is the authorized_keys line.
	PublicKey string

	Fingerprint string
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line, as
// printed by ssh-keygen -l: "SHA256:" followed by the unpadded base64 of the
// hash of the key payload.
func Fingerprint(publicKey string) (string, error) {
	pub, _, _, _, err := sshpkg.ParseAuthorizedKey([]byte(strings.TrimSpace(publicKey)))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return sshpkg.FingerprintSHA256(pub), nil
}

// GenerateKeyPair creates a new key. bits is only used for RSA and defaults
// to 2048.
func GenerateKeyPair(kind KeyKind, bits int, comment string) (*KeyPair, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	var priv crypto.Signer
	switch kind {
	case KeyKindED25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		priv = k
		bits = 0
	case KeyKindRSA:
		if bits == 0 {
			bits = 2048
		}
		if !validRSABits[bits] {
			return nil, fmt.Errorf("%w: rsa key size must be 2048, 3072 or 4096, got %d", ErrInvalidKey, bits)
		}
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa key: %w", err)
		}
		priv = k
	}

	return newKeyPair(kind, bits, priv, comment)
}

// ParsePrivateKey reads an OpenSSH or PEM private key, decrypting it with
// passphrase when it is protected. The returned pair always holds an
// unencrypted key.
func ParsePrivateKey(data []byte, passphrase string) (*KeyPair, error) {
	var (
		raw any
		err error
	)
	if passphrase != "" {
		raw, err = sshpkg.ParseRawPrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		raw, err = sshpkg.ParseRawPrivateKey(data)
	}
	var missing *sshpkg.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("%w: key is passphrase protected", ErrInvalidKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	switch k := raw.(type) {
	case *ed25519.PrivateKey:
		return newKeyPair(KeyKindED25519, 0, *k, "")
	case ed25519.PrivateKey:
		return newKeyPair(KeyKindED25519, 0, k, "")
	case *rsa.PrivateKey:
		return newKeyPair(KeyKindRSA, k.N.BitLen(), k, "")
	default:
		return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidKey, raw)
	}
}

func newKeyPair(kind KeyKind, bits int, priv crypto.Signer, comment string) (*KeyPair, error) {
	block, err := sshpkg.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	sshPub, err := sshpkg.NewPublicKey(priv.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	pub := strings.TrimSpace(string(sshpkg.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		pub += " " + comment
	}

	return &KeyPair{
		Kind:          kind,
		Bits:          bits,
		PrivateKeyPEM: pem.EncodeToMemory(block),
		PublicKey:     pub,
		Fingerprint:   sshpkg.FingerprintSHA256(sshPub),
	}, nil
}
