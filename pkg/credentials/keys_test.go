package credentials

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sshpkg "golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	tests := map[string]struct {
		kind      KeyKind
		bits      int
		expBits   int
		expPrefix string
		expErr    bool
	}{
		"ed25519 keys ignore the size.": {
			kind:      KeyKindED25519,
			bits:      4096,
			expPrefix: "ssh-ed25519 ",
		},
		"rsa keys default to 2048 bits.": {
			kind:      KeyKindRSA,
			expBits:   2048,
			expPrefix: "ssh-rsa ",
		},
		"rsa keys reject unsupported sizes.": {
			kind:   KeyKindRSA,
			bits:   1024,
			expErr: true,
		},
		"Unknown kinds are rejected.": {
			kind:   "dsa",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			pair, err := GenerateKeyPair(test.kind, test.bits, "")
			if test.expErr {
				assert.ErrorIs(err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)

			assert.Equal(test.expBits, pair.Bits)
			assert.True(strings.HasPrefix(pair.PublicKey, test.expPrefix))
			assert.True(strings.HasPrefix(pair.Fingerprint, "SHA256:"))

			// The private key must parse without a passphrase.
			_, err = sshpkg.ParsePrivateKey(pair.PrivateKeyPEM)
			assert.NoError(err)
		})
	}
}

func TestParsePrivateKey(t *testing.T) {
	orig, err := GenerateKeyPair(KeyKindED25519, 0, "")
	require.NoError(t, err)

	t.Run("Plain keys are parsed.", func(t *testing.T) {
		pair, err := ParsePrivateKey(orig.PrivateKeyPEM, "")
		require.NoError(t, err)
		assert.Equal(t, KeyKindED25519, pair.Kind)
		assert.Equal(t, orig.Fingerprint, pair.Fingerprint)
	})

	t.Run("Protected keys need their passphrase.", func(t *testing.T) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		block, err := sshpkg.MarshalPrivateKeyWithPassphrase(priv, "", []byte("pw"))
		require.NoError(t, err)
		protected := pem.EncodeToMemory(block)
		pub, err := sshpkg.NewPublicKey(priv.Public())
		require.NoError(t, err)

		_, err = ParsePrivateKey(protected, "")
		assert.ErrorIs(t, err, ErrInvalidKey)

		pair, err := ParsePrivateKey(protected, "pw")
		require.NoError(t, err)
		assert.Equal(t, sshpkg.FingerprintSHA256(pub), pair.Fingerprint)
		_, err = sshpkg.ParsePrivateKey(pair.PrivateKeyPEM)
		assert.NoError(t, err, "imported keys are stored unprotected")
	})

	t.Run("Garbage is rejected.", func(t *testing.T) {
		_, err := ParsePrivateKey([]byte("not a key"), "")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}
