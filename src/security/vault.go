package security

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/username/landlordly/backend/src/config"
	"golang.org/x/crypto/chacha20poly1305"
)

// Vault encrypts bank OAuth tokens before they are persisted. Each call uses a fresh random
// nonce, so encrypting the same token twice yields different ciphertexts.
type Vault struct {
	key []byte
}

var ErrCiphertextMalformed = errors.New("token ciphertext malformed")

// NewVault accepts a 32-byte key encoded as 64 hex characters or as standard base64.
func NewVault(encodedKey string) (*Vault, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, &config.ConfigurationError{Key: "TOKEN_ENCRYPTION_KEY", Reason: "is not set"}
	}
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, &config.ConfigurationError{Key: "TOKEN_ENCRYPTION_KEY", Reason: err.Error()}
	}
	return &Vault{key: key}, nil
}

func decodeKey(s string) ([]byte, error) {
	if len(s) == 2*chacha20poly1305.KeySize {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("must be 64 hex characters or base64")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextMalformed
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCiphertextMalformed
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plaintext), nil
}
