// codes.go - Verification code persistence.
//
// Every state change is conditional on the row still being pending so that
// a concurrent verify and re-issue cannot both win.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dcss-portal/internal/otp"
)

// Codes implements otp.Store.
type Codes struct {
	db *sql.DB
}

func NewCodes(db *sql.DB) *Codes { return &Codes{db: db} }

func (s *Codes) CountSince(ctx context.Context, owner string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM verification_codes WHERE owner_id = $1 AND created_at >= $2`,
		owner, since).Scan(&n)
	return n, err
}

func (s *Codes) InvalidatePending(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE verification_codes SET status = 'invalidated' WHERE owner_id = $1 AND status = 'pending'`,
		owner)
	return err
}

func (s *Codes) Insert(ctx context.Context, c *otp.Code) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_codes (id, owner_id, code_hash, destination, created_at, expires_at, attempts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Owner, c.CodeHash, c.Destination, c.CreatedAt, c.ExpiresAt, c.Attempts, string(c.Status))
	return err
}

func (s *Codes) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE id = $1`, id)
	return err
}

func (s *Codes) LatestPending(ctx context.Context, owner string) (*otp.Code, error) {
	var (
		c      otp.Code
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, code_hash, destination, created_at, expires_at, attempts, status
		FROM verification_codes
		WHERE owner_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`, owner).
		Scan(&c.ID, &c.Owner, &c.CodeHash, &c.Destination, &c.CreatedAt, &c.ExpiresAt, &c.Attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, otp.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.Status, err = otp.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("code %s: %w", c.ID, err)
	}
	return &c, nil
}

func (s *Codes) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE verification_codes SET attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
		RETURNING attempts`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, otp.ErrNotFound
	}
	return attempts, err
}

func (s *Codes) SetStatus(ctx context.Context, id string, from, to otp.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verification_codes SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return otp.ErrNotFound
	}
	return nil
}
