package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MatchingRule is the stored form of a classification rule. Conditions holds the
// serialised condition expression, parsed by the rules package.
type MatchingRule struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Priority   int       `json:"priority"`
	Enabled    bool      `json:"enabled"`
	PropertyID *string   `json:"propertyId"`
	Type       *string   `json:"type"`
	Category   *string   `json:"category"`
	Conditions string    `json:"conditions"`
	AccountID  *string   `json:"accountId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

const ruleColumns = `id, name, priority, enabled, property_id, transaction_type, category, conditions, account_id, created_at, updated_at`

func CreateMatchingRule(ctx context.Context, db DBTX, r *MatchingRule) error {
	r.ID = uuid.NewString()
	r.CreatedAt = Now()
	r.UpdatedAt = r.CreatedAt
	_, err := db.ExecContext(ctx, `INSERT INTO matching_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Priority, r.Enabled, nullString(r.PropertyID), nullString(r.Type), nullString(r.Category),
		r.Conditions, nullString(r.AccountID), r.CreatedAt, r.UpdatedAt)
	return err
}

func UpdateMatchingRule(ctx context.Context, db DBTX, r *MatchingRule) error {
	r.UpdatedAt = Now()
	res, err := db.ExecContext(ctx, `
	UPDATE matching_rules
	SET name = ?, priority = ?, enabled = ?, property_id = ?, transaction_type = ?, category = ?,
		conditions = ?, account_id = ?, updated_at = ?
	WHERE id = ?`,
		r.Name, r.Priority, r.Enabled, nullString(r.PropertyID), nullString(r.Type), nullString(r.Category),
		r.Conditions, nullString(r.AccountID), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func DeleteMatchingRule(ctx context.Context, db DBTX, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM matching_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func GetMatchingRule(ctx context.Context, db DBTX, id string) (*MatchingRule, error) {
	return scanRule(db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM matching_rules WHERE id = ?`, id))
}

// ListMatchingRules returns every rule, enabled or not, in evaluation order.
func ListMatchingRules(ctx context.Context, db DBTX) ([]MatchingRule, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM matching_rules ORDER BY priority, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []MatchingRule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func CountMatchingRules(ctx context.Context, db DBTX) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matching_rules`).Scan(&n)
	return n, err
}

func scanRule(row rowScanner) (*MatchingRule, error) {
	var r MatchingRule
	var propertyID, txType, category, accountID sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.Priority, &r.Enabled, &propertyID, &txType, &category, &r.Conditions,
		&accountID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.PropertyID = stringPtr(propertyID)
	r.Type = stringPtr(txType)
	r.Category = stringPtr(category)
	r.AccountID = stringPtr(accountID)
	return &r, nil
}
