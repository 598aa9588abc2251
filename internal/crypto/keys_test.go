package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSalt(t *testing.T) {
	a, err := GenerateSalt()
	require.NoError(t, err)
	b, err := GenerateSalt()
	require.NoError(t, err)

	assert.Len(t, a, SaltSize)
	assert.NotEqual(t, a, b)

	encoded, err := GenerateSaltBase64()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, raw, SaltSize)
}

func TestDeriveKeys(t *testing.T) {
	salt := make([]byte, SaltSize)

	tests := []struct {
		name       string
		passphrase string
		company    string
		errMsg     string
		salt       []byte
	}{
		{name: "valid", passphrase: "correct horse", company: "acme", salt: salt},
		{name: "empty passphrase", company: "acme", salt: salt, errMsg: "passphrase cannot be empty"},
		{name: "empty company", passphrase: "correct horse", salt: salt, errMsg: "company cannot be empty"},
		{name: "short salt", passphrase: "correct horse", company: "acme", salt: make([]byte, 8), errMsg: "salt must be 32 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := DeriveKeys(tt.passphrase, tt.company, tt.salt)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Len(t, keys.AuthKey, Argon2KeyLen)
			assert.Len(t, keys.EncryptionKey, Argon2KeyLen)
			assert.NotEqual(t, keys.AuthKey, keys.EncryptionKey)
		})
	}
}

func TestDeriveKeys_Deterministic(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	// два устройства одной компании получают одинаковые ключи
	a, err := DeriveKeys("passphrase", "acme", salt)
	require.NoError(t, err)
	b, err := DeriveKeysFromBase64Salt("passphrase", "acme", base64.StdEncoding.EncodeToString(salt))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := DeriveKeys("passphrase", "globex", salt)
	require.NoError(t, err)
	assert.NotEqual(t, a.EncryptionKey, other.EncryptionKey)

	_, err = DeriveKeysFromBase64Salt("passphrase", "acme", "!!!")
	assert.Error(t, err)
}
