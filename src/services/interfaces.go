package services

import (
	"context"
	"time"

	"github.com/username/landlordly/backend/src/monzo"
)

// BankClient is the subset of the bank API the services call. *monzo.Client satisfies it.
type BankClient interface {
	AuthCodeURL(state string) string
	ExchangeCodeForTokens(ctx context.Context, code string) (*monzo.TokenSet, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*monzo.TokenSet, error)
	GetAccounts(ctx context.Context, accessToken string) ([]monzo.Account, error)
	GetTransactions(ctx context.Context, accessToken, accountID string, since time.Time, before *time.Time, limit int) ([]monzo.Transaction, error)
	RegisterWebhook(ctx context.Context, accessToken, accountID, callbackURL string) (*monzo.Webhook, error)
	DeleteWebhook(ctx context.Context, accessToken, webhookID string) error
}

// TokenCipher encrypts tokens at rest. *security.Vault satisfies it.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ImportStarter begins a full-history import and returns the run id without waiting.
type ImportStarter interface {
	StartFullImport(ctx context.Context, accountID string) (string, error)
}
