package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Property is the minimal property row the ledger hangs off. Full property management
// (leases, tenants, documents) lives outside this service.
type Property struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
}

func CreateProperty(ctx context.Context, db DBTX, p *Property) error {
	p.ID = uuid.NewString()
	p.CreatedAt = Now()
	_, err := db.ExecContext(ctx, `INSERT INTO properties (id, name, address, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Address, p.CreatedAt)
	return err
}

func GetProperty(ctx context.Context, db DBTX, id string) (*Property, error) {
	var p Property
	err := db.QueryRowContext(ctx, `SELECT id, name, address, created_at FROM properties WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Address, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func ListProperties(ctx context.Context, db DBTX) ([]Property, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, address, created_at FROM properties ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Property{}
	for rows.Next() {
		var p Property
		if err := rows.Scan(&p.ID, &p.Name, &p.Address, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
