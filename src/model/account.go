package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	SyncStatusInProgress = "in_progress"
	SyncStatusSuccess    = "success"
	SyncStatusPartial    = "partial"
	SyncStatusFailed     = "failed"
)

// LinkedAccount is one external bank account connection. Token fields hold vault
// ciphertext and are never serialised.
type LinkedAccount struct {
	ID                string     `json:"id"`
	ExternalAccountID string     `json:"externalAccountId"`
	DisplayName       string     `json:"displayName"`
	AccountType       string     `json:"accountType"`
	AccessTokenEnc    string     `json:"-"`
	RefreshTokenEnc   string     `json:"-"`
	TokenExpiresAt    time.Time  `json:"tokenExpiresAt"`
	SyncEnabled       bool       `json:"syncEnabled"`
	SyncFromDate      time.Time  `json:"syncFromDate"`
	LastSyncAt        *time.Time `json:"lastSyncAt"`
	LastSyncStatus    *string    `json:"lastSyncStatus"`
	WebhookID         *string    `json:"webhookId"`
	WebhookURL        *string    `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

const accountColumns = `id, external_account_id, display_name, account_type, access_token_enc, refresh_token_enc,
	token_expires_at, sync_enabled, sync_from_date, last_sync_at, last_sync_status, webhook_id, webhook_url,
	created_at, updated_at`

// UpsertLinkedAccount creates the account or, when a row with the same external account id
// exists, replaces its tokens, webhook and history window in place. The stored ID is
// written back to a.ID either way.
func UpsertLinkedAccount(ctx context.Context, db DBTX, a *LinkedAccount) (created bool, err error) {
	now := Now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var storedID string
	var createdAt time.Time
	err = db.QueryRowContext(ctx, `
	INSERT INTO linked_accounts (`+accountColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?)
	ON CONFLICT(external_account_id) DO UPDATE SET
		display_name = excluded.display_name,
		account_type = excluded.account_type,
		access_token_enc = excluded.access_token_enc,
		refresh_token_enc = excluded.refresh_token_enc,
		token_expires_at = excluded.token_expires_at,
		sync_enabled = excluded.sync_enabled,
		sync_from_date = excluded.sync_from_date,
		webhook_id = excluded.webhook_id,
		webhook_url = excluded.webhook_url,
		updated_at = excluded.updated_at
	RETURNING id, created_at`,
		a.ID, a.ExternalAccountID, a.DisplayName, a.AccountType, a.AccessTokenEnc, a.RefreshTokenEnc,
		a.TokenExpiresAt.UTC(), a.SyncEnabled, a.SyncFromDate.UTC(), nullString(a.WebhookID), nullString(a.WebhookURL),
		now, now,
	).Scan(&storedID, &createdAt)
	if err != nil {
		return false, err
	}
	created = storedID == a.ID
	a.ID = storedID
	a.CreatedAt = createdAt
	a.UpdatedAt = now
	return created, nil
}

func GetLinkedAccount(ctx context.Context, db DBTX, id string) (*LinkedAccount, error) {
	return scanAccount(db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM linked_accounts WHERE id = ?`, id))
}

func GetLinkedAccountByExternalID(ctx context.Context, db DBTX, externalID string) (*LinkedAccount, error) {
	return scanAccount(db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM linked_accounts WHERE external_account_id = ?`, externalID))
}

func ListLinkedAccounts(ctx context.Context, db DBTX) ([]LinkedAccount, error) {
	return queryAccounts(ctx, db, `SELECT `+accountColumns+` FROM linked_accounts ORDER BY display_name`)
}

func ListSyncEnabledAccounts(ctx context.Context, db DBTX) ([]LinkedAccount, error) {
	return queryAccounts(ctx, db, `SELECT `+accountColumns+` FROM linked_accounts WHERE sync_enabled = TRUE ORDER BY created_at`)
}

func queryAccounts(ctx context.Context, db DBTX, query string, args ...any) ([]LinkedAccount, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LinkedAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*LinkedAccount, error) {
	var a LinkedAccount
	var lastSyncAt sql.NullTime
	var lastSyncStatus, webhookID, webhookURL sql.NullString
	err := row.Scan(&a.ID, &a.ExternalAccountID, &a.DisplayName, &a.AccountType, &a.AccessTokenEnc, &a.RefreshTokenEnc,
		&a.TokenExpiresAt, &a.SyncEnabled, &a.SyncFromDate, &lastSyncAt, &lastSyncStatus, &webhookID, &webhookURL,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.LastSyncAt = timePtr(lastSyncAt)
	a.LastSyncStatus = stringPtr(lastSyncStatus)
	a.WebhookID = stringPtr(webhookID)
	a.WebhookURL = stringPtr(webhookURL)
	return &a, nil
}

// UpdateAccountTokens stores rotated ciphertext after a token refresh.
func UpdateAccountTokens(ctx context.Context, db DBTX, id, accessEnc, refreshEnc string, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `
	UPDATE linked_accounts
	SET access_token_enc = ?, refresh_token_enc = ?, token_expires_at = ?, updated_at = ?
	WHERE id = ?`, accessEnc, refreshEnc, expiresAt.UTC(), Now(), id)
	return err
}

// UpdateAccountSyncStatus records a sync outcome. lastSyncAt is only advanced when non-nil,
// so a failed run does not move the incremental window forward.
func UpdateAccountSyncStatus(ctx context.Context, db DBTX, id, status string, lastSyncAt *time.Time) error {
	_, err := db.ExecContext(ctx, `
	UPDATE linked_accounts
	SET last_sync_status = ?, last_sync_at = COALESCE(?, last_sync_at), updated_at = ?
	WHERE id = ?`, status, nullTime(lastSyncAt), Now(), id)
	return err
}

func UpdateAccountSettings(ctx context.Context, db DBTX, id string, syncEnabled bool, syncFromDate time.Time) error {
	res, err := db.ExecContext(ctx, `
	UPDATE linked_accounts SET sync_enabled = ?, sync_from_date = ?, updated_at = ? WHERE id = ?`,
		syncEnabled, syncFromDate.UTC(), Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLinkedAccount removes the account; raw transactions and sync runs cascade.
func DeleteLinkedAccount(ctx context.Context, db DBTX, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM linked_accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
