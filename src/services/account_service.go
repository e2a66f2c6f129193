package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/retry"
)

// AccountService serves linked-account reads and settings. Token fields never leave it.
type AccountService struct {
	db    *sql.DB
	bank  BankClient
	vault TokenCipher
	retry *retry.Policy
}

func NewAccountService(db *sql.DB, bank BankClient, vault TokenCipher, policy *retry.Policy) *AccountService {
	return &AccountService{db: db, bank: bank, vault: vault, retry: policy}
}

func (s *AccountService) List(ctx context.Context) ([]model.LinkedAccount, error) {
	return model.ListLinkedAccounts(ctx, s.db)
}

func (s *AccountService) Get(ctx context.Context, id string) (*model.LinkedAccount, error) {
	a, err := model.GetLinkedAccount(ctx, s.db, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// UpdateSettings changes the sync flag and, when non-nil, the history lower bound.
func (s *AccountService) UpdateSettings(ctx context.Context, id string, syncEnabled *bool, syncFromDate *time.Time) (*model.LinkedAccount, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	enabled := a.SyncEnabled
	if syncEnabled != nil {
		enabled = *syncEnabled
	}
	from := a.SyncFromDate
	if syncFromDate != nil {
		if syncFromDate.After(model.Now()) {
			return nil, &ValidationError{Field: "syncFromDate", Reason: "must not be in the future"}
		}
		from = *syncFromDate
	}
	if err := model.UpdateAccountSettings(ctx, s.db, id, enabled, from); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete tears down the account's webhook if it has one, then removes the account with
// its transactions and sync runs. Webhook failures do not block deletion.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.WebhookID != nil {
		token, err := s.vault.Decrypt(a.AccessTokenEnc)
		if err != nil {
			logger.FromContext(ctx).Warn("Cannot decrypt access token for webhook teardown", "accountID", id, "error", err)
		} else {
			deleteWebhookBestEffort(ctx, s.bank, s.retry, token, *a.WebhookID)
		}
	}
	if err := model.DeleteLinkedAccount(ctx, s.db, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete account: %w", err)
	}
	logger.FromContext(ctx).Info("Linked account deleted", "accountID", id)
	return nil
}

func (s *AccountService) ListSyncRuns(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error) {
	if _, err := s.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return model.ListSyncRuns(ctx, s.db, accountID, limit)
}

func (s *AccountService) GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error) {
	run, err := model.GetSyncRun(ctx, s.db, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *AccountService) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.RawBankTransaction, error) {
	if _, err := s.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return model.ListRawTransactions(ctx, s.db, accountID, limit)
}
