package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	LedgerTypeIncome  = "income"
	LedgerTypeExpense = "expense"
)

var ErrBankTransactionAlreadyImported = errors.New("bank transaction already imported into the ledger")

// LedgerTransaction is an income or expense event on a property.
type LedgerTransaction struct {
	ID                string             `json:"id"`
	PropertyID        string             `json:"propertyId"`
	LeaseID           *string            `json:"leaseId,omitempty"`
	Type              string             `json:"type"`
	Category          string             `json:"category"`
	Amount            decimal.Decimal    `json:"amount"`
	Currency          string             `json:"currency"`
	Date              time.Time          `json:"date"`
	Description       string             `json:"description"`
	PayerUserID       *string            `json:"payerUserId,omitempty"`
	BankTransactionID *string            `json:"bankTransactionId,omitempty"`
	IsImported        bool               `json:"isImported"`
	CreatedAt         time.Time          `json:"createdAt"`
	Splits            []TransactionSplit `json:"splits"`
}

// TransactionSplit is one owner's share of a LedgerTransaction.
type TransactionSplit struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	UserID        string          `json:"userId"`
	Percentage    decimal.Decimal `json:"percentage"`
	Amount        decimal.Decimal `json:"amount"`
}

const ledgerColumns = `id, property_id, lease_id, type, category, amount, currency, date, description,
	payer_user_id, bank_transaction_id, is_imported, created_at`

// InsertLedgerTransaction writes the transaction and its splits. Callers run it inside a
// transaction so a failing split leaves nothing behind.
func InsertLedgerTransaction(ctx context.Context, db DBTX, t *LedgerTransaction) error {
	t.ID = uuid.NewString()
	t.CreatedAt = Now()
	res, err := db.ExecContext(ctx, `
	INSERT INTO ledger_transactions (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(bank_transaction_id) DO NOTHING`,
		t.ID, t.PropertyID, nullString(t.LeaseID), t.Type, t.Category, t.Amount.String(), t.Currency, t.Date.UTC(),
		t.Description, nullString(t.PayerUserID), nullString(t.BankTransactionID), t.IsImported, t.CreatedAt)
	if err != nil {
		return err
	}
	outcome, err := insertOutcome(res)
	if err != nil {
		return err
	}
	if outcome == Duplicate {
		return ErrBankTransactionAlreadyImported
	}
	for i := range t.Splits {
		s := &t.Splits[i]
		s.ID = uuid.NewString()
		s.TransactionID = t.ID
		if _, err := db.ExecContext(ctx, `
		INSERT INTO transaction_splits (id, transaction_id, user_id, percentage, amount) VALUES (?, ?, ?, ?, ?)`,
			s.ID, s.TransactionID, s.UserID, s.Percentage.String(), s.Amount.String()); err != nil {
			return err
		}
	}
	return nil
}

// ListLedgerTransactions returns the property's transactions with splits attached, oldest first.
func ListLedgerTransactions(ctx context.Context, db DBTX, propertyID string) ([]LedgerTransaction, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_transactions WHERE property_id = ? ORDER BY date, created_at`, propertyID)
	if err != nil {
		return nil, err
	}
	out := []LedgerTransaction{}
	index := map[string]int{}
	for rows.Next() {
		var t LedgerTransaction
		var leaseID, payer, bankTx sql.NullString
		if err := rows.Scan(&t.ID, &t.PropertyID, &leaseID, &t.Type, &t.Category, &t.Amount, &t.Currency, &t.Date,
			&t.Description, &payer, &bankTx, &t.IsImported, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.LeaseID = stringPtr(leaseID)
		t.PayerUserID = stringPtr(payer)
		t.BankTransactionID = stringPtr(bankTx)
		t.Splits = []TransactionSplit{}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	splitRows, err := db.QueryContext(ctx, `
	SELECT s.id, s.transaction_id, s.user_id, s.percentage, s.amount
	FROM transaction_splits s
	JOIN ledger_transactions t ON t.id = s.transaction_id
	WHERE t.property_id = ?
	ORDER BY s.user_id`, propertyID)
	if err != nil {
		return nil, err
	}
	defer splitRows.Close()
	for splitRows.Next() {
		var s TransactionSplit
		if err := splitRows.Scan(&s.ID, &s.TransactionID, &s.UserID, &s.Percentage, &s.Amount); err != nil {
			return nil, err
		}
		if i, ok := index[s.TransactionID]; ok {
			out[i].Splits = append(out[i].Splits, s)
		}
	}
	return out, splitRows.Err()
}
