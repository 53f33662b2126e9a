package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dcss-portal/internal/auth"
)

// Users implements auth.UserStore.
type Users struct {
	db *sql.DB
}

func NewUsers(db *sql.DB) *Users { return &Users{db: db} }

const userColumns = `id, name, email, phone, password_hash, two_factor_enabled, created_at, last_login`

func (s *Users) CreateUser(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, phone, password_hash, two_factor_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Name, u.Email, u.Phone, u.PasswordHash, u.TwoFactorEnabled, u.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrEmailTaken
	}
	return err
}

func (s *Users) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *Users) UserByID(ctx context.Context, id string) (*auth.User, error) {
	if !validID(id) {
		return nil, auth.ErrUserNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Users) TouchLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
	return err
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		u         auth.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.TwoFactorEnabled, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}
