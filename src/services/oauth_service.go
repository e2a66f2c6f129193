package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/monzo"
	"github.com/username/landlordly/backend/src/retry"
	"github.com/username/landlordly/backend/src/security"
	"github.com/username/landlordly/backend/src/utils"
)

const (
	DefaultSyncFromDays = 90
	MaxSyncFromDays     = 3650
)

type OAuthConfig struct {
	WebhookSecret string
	PublicBaseURL string
	StateTTL      time.Duration
}

// CallbackResult identifies the linked account and the import started for it.
type CallbackResult struct {
	AccountID string
	SyncRunID string
	Created   bool
}

// OAuthService links bank accounts. States are signed, expire, and are consumed from a
// server-side store on first use.
type OAuthService struct {
	db       *sql.DB
	bank     BankClient
	vault    TokenCipher
	signer   *security.StateSigner
	retry    *retry.Policy
	importer ImportStarter
	cfg      OAuthConfig
	now      func() time.Time

	stateMu sync.Mutex
	states  *cache.Cache
}

func NewOAuthService(db *sql.DB, bank BankClient, vault TokenCipher, signer *security.StateSigner, policy *retry.Policy, importer ImportStarter, cfg OAuthConfig) *OAuthService {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	return &OAuthService{
		db:       db,
		bank:     bank,
		vault:    vault,
		signer:   signer,
		retry:    policy,
		importer: importer,
		cfg:      cfg,
		now:      model.Now,
		// Entries outlive the signed expiry so an expired state is reported as expired
		// rather than unknown.
		states: cache.New(2*cfg.StateTTL, cfg.StateTTL),
	}
}

// Initiate returns the provider authorization URL for a new linking attempt.
func (s *OAuthService) Initiate(ctx context.Context, syncFromDays int) (string, time.Time, error) {
	if syncFromDays == 0 {
		syncFromDays = DefaultSyncFromDays
	}
	if syncFromDays < 1 || syncFromDays > MaxSyncFromDays {
		return "", time.Time{}, &ValidationError{Field: "syncFromDays", Reason: fmt.Sprintf("must be between 1 and %d", MaxSyncFromDays)}
	}
	token, id, expiresAt, err := s.signer.Issue(syncFromDays)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue oauth state: %w", err)
	}
	s.states.Set(id, syncFromDays, cache.DefaultExpiration)
	logger.FromContext(ctx).Info("OAuth linking initiated", "stateID", id, "syncFromDays", syncFromDays, "expiresAt", expiresAt)
	return s.bank.AuthCodeURL(token), expiresAt, nil
}

// consumeState removes the state id from the store, reporting whether it was present.
func (s *OAuthService) consumeState(id string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if _, ok := s.states.Get(id); !ok {
		return false
	}
	s.states.Delete(id)
	return true
}

// Callback completes a linking attempt: it validates and consumes state, exchanges the code,
// stores encrypted tokens against the upserted account, registers a webhook when configured
// and starts the full-history import without waiting for it.
func (s *OAuthService) Callback(ctx context.Context, code, state string) (*CallbackResult, error) {
	log := logger.FromContext(ctx)
	if code == "" || state == "" {
		return nil, ErrMissingParams
	}
	claims, verr := s.signer.Verify(state)
	if claims == nil {
		return nil, ErrInvalidState
	}
	if !s.consumeState(claims.ID) {
		log.Warn("OAuth state replayed or unknown", "stateID", claims.ID)
		return nil, ErrInvalidState
	}
	if errors.Is(verr, security.ErrStateExpired) {
		return nil, ErrStateExpired
	}

	var tokens *monzo.TokenSet
	err := s.retry.Do(ctx, "ExchangeCodeForTokens", func(ctx context.Context) error {
		var err error
		tokens, err = s.bank.ExchangeCodeForTokens(ctx, code)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	var accounts []monzo.Account
	err = s.retry.Do(ctx, "GetAccounts", func(ctx context.Context) error {
		var err error
		accounts, err = s.bank.GetAccounts(ctx, tokens.AccessToken)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch bank accounts: %w", err)
	}
	external := pickAccount(accounts)
	if external == nil {
		return nil, ErrNoBankAccounts
	}

	accessEnc, err := s.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc := ""
	if tokens.RefreshToken != "" {
		if refreshEnc, err = s.vault.Encrypt(tokens.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	existing, err := model.GetLinkedAccountByExternalID(ctx, s.db, external.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("look up existing account: %w", err)
	}
	if existing != nil && existing.WebhookID != nil {
		deleteWebhookBestEffort(ctx, s.bank, s.retry, tokens.AccessToken, *existing.WebhookID)
	}

	account := &model.LinkedAccount{
		ExternalAccountID: external.ID,
		DisplayName:       accountDisplayName(external),
		AccountType:       "monzo:" + external.Type,
		AccessTokenEnc:    accessEnc,
		RefreshTokenEnc:   refreshEnc,
		TokenExpiresAt:    tokens.ExpiresAt,
		SyncEnabled:       true,
		SyncFromDate:      utils.DaysAgo(s.now(), claims.SyncFromDays),
	}
	if s.cfg.WebhookSecret != "" {
		callbackURL := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/webhooks/" + s.cfg.WebhookSecret
		var wh *monzo.Webhook
		err := s.retry.Do(ctx, "RegisterWebhook", func(ctx context.Context) error {
			var err error
			wh, err = s.bank.RegisterWebhook(ctx, tokens.AccessToken, external.ID, callbackURL)
			return err
		})
		if err != nil {
			log.Warn("Webhook registration failed; account will rely on scheduled and manual sync", "externalAccountID", external.ID, "error", err)
		} else {
			account.WebhookID = &wh.ID
			account.WebhookURL = &callbackURL
		}
	}

	created, err := model.UpsertLinkedAccount(ctx, s.db, account)
	if err != nil {
		return nil, fmt.Errorf("store linked account: %w", err)
	}
	log.Info("Bank account linked", "accountID", account.ID, "created", created, "webhook", account.WebhookID != nil)

	res := &CallbackResult{AccountID: account.ID, Created: created}
	// The import must not be tied to the callback request.
	runID, err := s.importer.StartFullImport(context.WithoutCancel(ctx), account.ID)
	switch {
	case err == nil:
		res.SyncRunID = runID
	case errors.Is(err, ErrSyncInProgress):
		if active, aerr := model.GetActiveSyncRun(ctx, s.db, account.ID); aerr == nil {
			res.SyncRunID = active.ID
		}
	default:
		log.Error("Failed to start full import after linking", "accountID", account.ID, "error", err)
	}
	return res, nil
}

// pickAccount returns the first open account, preferring personal current accounts.
func pickAccount(accounts []monzo.Account) *monzo.Account {
	var fallback *monzo.Account
	for i := range accounts {
		a := &accounts[i]
		if a.Closed {
			continue
		}
		if a.Type == "uk_retail" {
			return a
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback
}

func accountDisplayName(a *monzo.Account) string {
	switch a.Type {
	case "uk_retail":
		return "Monzo Current Account"
	case "uk_retail_joint":
		return "Monzo Joint Account"
	case "uk_business":
		return "Monzo Business Account"
	}
	if a.Description != "" {
		return a.Description
	}
	return "Monzo Account"
}

func deleteWebhookBestEffort(ctx context.Context, bank BankClient, policy *retry.Policy, accessToken, webhookID string) {
	err := policy.Do(ctx, "DeleteWebhook", func(ctx context.Context) error {
		return bank.DeleteWebhook(ctx, accessToken, webhookID)
	})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to delete bank webhook", "webhookID", webhookID, "error", err)
		return
	}
	logger.FromContext(ctx).Info("Deleted bank webhook", "webhookID", webhookID)
}
