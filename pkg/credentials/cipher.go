// Package credentials keeps SSH private keys encrypted at rest and turns them
// into short-lived key files for the duration of one execution.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrDecryptionFailed is returned for corrupt blobs and wrong
	// passphrases. It is a validation error, not an internal one.
	ErrDecryptionFailed = errors.New("credential decryption failed")

	// ErrInvalidKey is returned for keys that cannot be parsed.
	ErrInvalidKey = errors.New("invalid ssh key")

	// ErrDuplicateKey is returned when a key with the same fingerprint exists.
	ErrDuplicateKey = errors.New("ssh key with the same fingerprint already exists")
)

// Cipher encrypts private keys with a key derived from the server secret and
// an optional per-key passphrase.
type Cipher struct {
	base [sha256.Size]byte
}

// NewCipher derives the base key from the server-wide secret.
func NewCipher(serverSecret string) (*Cipher, error) {
	if serverSecret == "" {
		return nil, fmt.Errorf("server secret is required")
	}
	return &Cipher{base: sha256.Sum256([]byte(serverSecret))}, nil
}

// key returns SHA-256(secret) or SHA-256(SHA-256(secret) || passphrase).
func (c *Cipher) key(passphrase string) []byte {
	if passphrase == "" {
		k := c.base
		return k[:]
	}
	h := sha256.New()
	h.Write(c.base[:])
	h.Write([]byte(passphrase))
	return h.Sum(nil)
}

func (c *Cipher) aead(passphrase string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key(passphrase))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext []byte, passphrase string) (string, error) {
	gcm, err := c.aead(passphrase)
	if err != nil {
		return "", fmt.Errorf("could not create cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure wraps ErrDecryptionFailed.
func (c *Cipher) Decrypt(blob string, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding", ErrDecryptionFailed)
	}
	gcm, err := c.aead(passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupt data", ErrDecryptionFailed)
	}
	return plaintext, nil
}
