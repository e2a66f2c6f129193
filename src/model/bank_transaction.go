package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RawBankTransaction is a transaction exactly as the bank reported it. Rows are immutable;
// (AccountID, ExternalID) is the idempotency key for pull sync and webhooks alike.
type RawBankTransaction struct {
	ID               string          `json:"id"`
	AccountID        string          `json:"accountId"`
	ExternalID       string          `json:"externalId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Description      string          `json:"description"`
	CounterpartyName *string         `json:"counterpartyName,omitempty"`
	Merchant         *string         `json:"merchant,omitempty"`
	Reference        *string         `json:"reference,omitempty"`
	Category         *string         `json:"category,omitempty"`
	TransactionAt    time.Time       `json:"transactionAt"`
	SettledAt        *time.Time      `json:"settledAt,omitempty"`
	ImportedAt       time.Time       `json:"importedAt"`
}

const bankTransactionColumns = `id, account_id, external_id, amount, currency, description, counterparty_name,
	merchant, reference, category, transaction_at, settled_at, imported_at`

// InsertRawTransaction inserts tx unless a row with the same (account, external id) exists,
// reporting which happened. A duplicate is an expected outcome, not an error.
func InsertRawTransaction(ctx context.Context, db DBTX, tx *RawBankTransaction) (InsertOutcome, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.ImportedAt = Now()
	res, err := db.ExecContext(ctx, `
	INSERT INTO raw_bank_transactions (`+bankTransactionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, external_id) DO NOTHING`,
		tx.ID, tx.AccountID, tx.ExternalID, tx.Amount.String(), tx.Currency, tx.Description,
		nullString(tx.CounterpartyName), nullString(tx.Merchant), nullString(tx.Reference), nullString(tx.Category),
		tx.TransactionAt.UTC(), nullTime(tx.SettledAt), tx.ImportedAt)
	if err != nil {
		return Inserted, err
	}
	return insertOutcome(res)
}

func GetRawTransaction(ctx context.Context, db DBTX, id string) (*RawBankTransaction, error) {
	return scanRawTransaction(db.QueryRowContext(ctx, `SELECT `+bankTransactionColumns+` FROM raw_bank_transactions WHERE id = ?`, id))
}

// ListRawTransactions returns the newest transactions for an account first.
func ListRawTransactions(ctx context.Context, db DBTX, accountID string, limit int) ([]RawBankTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
	SELECT `+bankTransactionColumns+`
	FROM raw_bank_transactions
	WHERE account_id = ?
	ORDER BY transaction_at DESC
	LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RawBankTransaction{}
	for rows.Next() {
		tx, err := scanRawTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func CountRawTransactions(ctx context.Context, db DBTX, accountID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_bank_transactions WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}

func scanRawTransaction(row rowScanner) (*RawBankTransaction, error) {
	var tx RawBankTransaction
	var counterparty, merchant, reference, category sql.NullString
	var settledAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.ExternalID, &tx.Amount, &tx.Currency, &tx.Description,
		&counterparty, &merchant, &reference, &category, &tx.TransactionAt, &settledAt, &tx.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.CounterpartyName = stringPtr(counterparty)
	tx.Merchant = stringPtr(merchant)
	tx.Reference = stringPtr(reference)
	tx.Category = stringPtr(category)
	tx.SettledAt = timePtr(settledAt)
	return &tx, nil
}
