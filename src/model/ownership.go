package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OwnershipRecord is a user's fractional share of a property.
type OwnershipRecord struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	PropertyID string          `json:"propertyId"`
	Percentage decimal.Decimal `json:"percentage"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

const ownershipColumns = `id, user_id, property_id, percentage, created_at, updated_at`

// InsertOwnership reports Duplicate when the (user, property) pair already has a record.
func InsertOwnership(ctx context.Context, db DBTX, o *OwnershipRecord) (InsertOutcome, error) {
	o.ID = uuid.NewString()
	o.CreatedAt = Now()
	o.UpdatedAt = o.CreatedAt
	res, err := db.ExecContext(ctx, `
	INSERT INTO ownership_records (`+ownershipColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, property_id) DO NOTHING`,
		o.ID, o.UserID, o.PropertyID, o.Percentage.String(), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return Inserted, err
	}
	return insertOutcome(res)
}

func UpdateOwnershipPercentage(ctx context.Context, db DBTX, id string, pct decimal.Decimal) error {
	res, err := db.ExecContext(ctx, `UPDATE ownership_records SET percentage = ?, updated_at = ? WHERE id = ?`,
		pct.String(), Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func DeleteOwnership(ctx context.Context, db DBTX, propertyID, userID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM ownership_records WHERE property_id = ? AND user_id = ?`, propertyID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func GetOwnership(ctx context.Context, db DBTX, id string) (*OwnershipRecord, error) {
	var o OwnershipRecord
	err := db.QueryRowContext(ctx, `SELECT `+ownershipColumns+` FROM ownership_records WHERE id = ?`, id).
		Scan(&o.ID, &o.UserID, &o.PropertyID, &o.Percentage, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func ListOwnership(ctx context.Context, db DBTX, propertyID string) ([]OwnershipRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+ownershipColumns+` FROM ownership_records WHERE property_id = ? ORDER BY user_id`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []OwnershipRecord{}
	for rows.Next() {
		var o OwnershipRecord
		if err := rows.Scan(&o.ID, &o.UserID, &o.PropertyID, &o.Percentage, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOwnerDependents counts splits and settlements (either side) that tie userID to propertyID.
func CountOwnerDependents(ctx context.Context, db DBTX, propertyID, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM transaction_splits s
			JOIN ledger_transactions t ON t.id = s.transaction_id
			WHERE t.property_id = ? AND s.user_id = ?)
		+
		(SELECT COUNT(*) FROM settlements
			WHERE property_id = ? AND (from_user_id = ? OR to_user_id = ?))`,
		propertyID, userID, propertyID, userID, userID).Scan(&n)
	return n, err
}
