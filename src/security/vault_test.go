package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/username/landlordly/backend/src/config"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVault(testKeyHex)
	require.NoError(t, err)

	enc, err := v.Encrypt("access-token-123")
	require.NoError(t, err)
	require.NotContains(t, enc, "access-token-123")

	dec, err := v.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "access-token-123", dec)
}

func TestVaultEncryptionIsNonDeterministic(t *testing.T) {
	v, err := NewVault(testKeyHex)
	require.NoError(t, err)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVaultAcceptsBase64Key(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	_, err := NewVault(key)
	require.NoError(t, err)
}

func TestVaultRejectsMissingOrMalformedKey(t *testing.T) {
	for _, key := range []string{"", "not-a-key", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := NewVault(key)
		var cfgErr *config.ConfigurationError
		require.True(t, errors.As(err, &cfgErr), "key %q", key)
		require.Equal(t, "TOKEN_ENCRYPTION_KEY", cfgErr.Key)
	}
}

func TestVaultDetectsTampering(t *testing.T) {
	v, err := NewVault(testKeyHex)
	require.NoError(t, err)
	enc, err := v.Encrypt("secret")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0xff
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw))
	require.Error(t, err)

	_, err = v.Decrypt("%%%")
	require.ErrorIs(t, err, ErrCiphertextMalformed)
}
