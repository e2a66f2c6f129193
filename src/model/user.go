package model

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Password  string    `json:"-"` // "-" means do not include in JSON output
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrUserExists = errors.New("username or email already registered")

// HashPassword hashes the user's password using bcrypt.
func (u *User) HashPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hashedPassword)
	return nil
}

// CheckPassword compares a given password with the user's hashed password.
func (u *User) CheckPassword(password string) error {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password))
}

// CreateUser inserts a new user, assigning its ID and timestamps.
func (u *User) CreateUser(ctx context.Context, db DBTX) error {
	u.ID = uuid.NewString()
	u.CreatedAt = Now()
	u.UpdatedAt = u.CreatedAt

	res, err := db.ExecContext(ctx, `
	INSERT INTO users (id, username, email, password, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`,
		u.ID, u.Username, u.Email, u.Password, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return err
	}
	outcome, err := insertOutcome(res)
	if err != nil {
		return err
	}
	if outcome == Duplicate {
		return ErrUserExists
	}
	return nil
}

// GetUserByUsername retrieves a user from the database by their username.
func GetUserByUsername(ctx context.Context, db DBTX, username string) (*User, error) {
	return scanUser(db.QueryRowContext(ctx, `
	SELECT id, username, email, password, created_at, updated_at
	FROM users
	WHERE username = ?`, username))
}

// GetUserByID retrieves a user from the database by ID.
func GetUserByID(ctx context.Context, db DBTX, id string) (*User, error) {
	return scanUser(db.QueryRowContext(ctx, `
	SELECT id, username, email, password, created_at, updated_at
	FROM users
	WHERE id = ?`, id))
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Password, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
