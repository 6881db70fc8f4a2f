package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockKeyStore struct {
	mock.Mock
}

func (m *mockKeyStore) CreateCredential(ctx context.Context, rec *Record) error {
	args := m.Called(ctx, rec)
	rec.ID = 42
	return args.Error(0)
}

func (m *mockKeyStore) GetCredential(ctx context.Context, id int64) (*Record, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*Record)
	return rec, args.Error(1)
}

func (m *mockKeyStore) FingerprintInUse(ctx context.Context, fingerprint string, excludeID int64) (bool, error) {
	args := m.Called(ctx, fingerprint, excludeID)
	return args.Bool(0), args.Error(1)
}

func (m *mockKeyStore) UpdateCredentialKey(ctx context.Context, rec *Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockKeyStore) TouchCredential(ctx context.Context, id int64, at time.Time) error {
	return m.Called(ctx, id, at).Error(0)
}

func TestKeyServiceGenerate(t *testing.T) {
	tests := map[string]struct {
		mock   func(m *mockKeyStore)
		expErr error
	}{
		"A new key should be encrypted and stored.": {
			mock: func(m *mockKeyStore) {
				m.On("FingerprintInUse", mock.Anything, mock.Anything, int64(0)).Once().Return(false, nil)
				m.On("CreateCredential", mock.Anything, mock.Anything).Once().Return(nil)
			},
		},
		"A colliding fingerprint should be rejected before storing.": {
			mock: func(m *mockKeyStore) {
				m.On("FingerprintInUse", mock.Anything, mock.Anything, int64(0)).Once().Return(true, nil)
			},
			expErr: ErrDuplicateKey,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			store := &mockKeyStore{}
			test.mock(store)
			c, _ := NewCipher("secret")
			svc, err := NewKeyService(KeyServiceConfig{Store: store, Cipher: c})
			require.NoError(t, err)

			rec, err := svc.Generate(context.Background(), GenerateRequest{
				Name:       "deploy",
				Kind:       KeyKindED25519,
				Passphrase: "pw",
			})

			store.AssertExpectations(t)
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(int64(42), rec.ID)
			assert.True(rec.Active)

			// The blob must only open with the passphrase.
			plain, err := c.Decrypt(rec.EncryptedPrivateKey, "pw")
			require.NoError(t, err)
			assert.Contains(string(plain), "OPENSSH PRIVATE KEY")
			_, err = c.Decrypt(rec.EncryptedPrivateKey, "")
			assert.ErrorIs(err, ErrDecryptionFailed)
		})
	}
}

func TestKeyServiceImportRejectsMismatchedPublicKey(t *testing.T) {
	store := &mockKeyStore{}
	c, _ := NewCipher("secret")
	svc, err := NewKeyService(KeyServiceConfig{Store: store, Cipher: c})
	require.NoError(t, err)

	a, _ := GenerateKeyPair(KeyKindED25519, 0, "")
	b, _ := GenerateKeyPair(KeyKindED25519, 0, "")

	_, err = svc.Import(context.Background(), ImportRequest{
		Name:       "imported",
		PrivateKey: a.PrivateKeyPEM,
		PublicKey:  b.PublicKey,
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
	store.AssertNotCalled(t, "CreateCredential", mock.Anything, mock.Anything)
}

func TestKeyServiceRotate(t *testing.T) {
	assert := assert.New(t)
	store := &mockKeyStore{}
	c, _ := NewCipher("secret")
	svc, err := NewKeyService(KeyServiceConfig{Store: store, Cipher: c})
	require.NoError(t, err)

	existing := &Record{ID: 7, Name: "deploy", Kind: KeyKindED25519, Fingerprint: "SHA256:old", PassphraseHint: "hint"}
	store.On("GetCredential", mock.Anything, int64(7)).Once().Return(existing, nil)
	store.On("FingerprintInUse", mock.Anything, mock.Anything, int64(7)).Once().Return(false, nil)
	store.On("UpdateCredentialKey", mock.Anything, existing).Once().Return(nil)

	rec, err := svc.Rotate(context.Background(), 7, "")
	require.NoError(t, err)
	store.AssertExpectations(t)
	assert.NotEqual("SHA256:old", rec.Fingerprint)
	assert.Empty(rec.PassphraseHint)
}

func TestKeyServiceTouchOnlyLogsFailures(t *testing.T) {
	store := &mockKeyStore{}
	store.On("TouchCredential", mock.Anything, int64(1), mock.Anything).Once().Return(errors.New("db down"))
	c, _ := NewCipher("secret")
	svc, err := NewKeyService(KeyServiceConfig{Store: store, Cipher: c})
	require.NoError(t, err)

	assert.NotPanics(t, func() { svc.Touch(context.Background(), 1) })
	store.AssertExpectations(t)
}
