package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement is a payment from one co-owner to another. Settlements are append-only.
type Settlement struct {
	ID         string          `json:"id"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	PropertyID string          `json:"propertyId"`
	Amount     decimal.Decimal `json:"amount"`
	Date       time.Time       `json:"date"`
	Notes      string          `json:"notes"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func InsertSettlement(ctx context.Context, db DBTX, s *Settlement) error {
	s.ID = uuid.NewString()
	s.CreatedAt = Now()
	_, err := db.ExecContext(ctx, `
	INSERT INTO settlements (id, from_user_id, to_user_id, property_id, amount, date, notes, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.FromUserID, s.ToUserID, s.PropertyID, s.Amount.String(), s.Date.UTC(), s.Notes, s.CreatedAt)
	return err
}

func ListSettlements(ctx context.Context, db DBTX, propertyID string) ([]Settlement, error) {
	rows, err := db.QueryContext(ctx, `
	SELECT id, from_user_id, to_user_id, property_id, amount, date, notes, created_at
	FROM settlements WHERE property_id = ? ORDER BY date, created_at`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Settlement{}
	for rows.Next() {
		var s Settlement
		if err := rows.Scan(&s.ID, &s.FromUserID, &s.ToUserID, &s.PropertyID, &s.Amount, &s.Date, &s.Notes, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
