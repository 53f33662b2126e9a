package db

import (
	"context"
	"database/sql"
	"time"
)

// Devices implements auth.DeviceStore.
type Devices struct {
	db *sql.DB
}

func NewDevices(db *sql.DB) *Devices { return &Devices{db: db} }

func (s *Devices) IsTrusted(ctx context.Context, userID, fingerprint string, now time.Time) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trusted_devices
			WHERE user_id = $1 AND fingerprint = $2 AND expires_at > $3
		)`, userID, fingerprint, now).Scan(&ok)
	return ok, err
}

func (s *Devices) Trust(ctx context.Context, userID, fingerprint string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trusted_devices (user_id, fingerprint, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, fingerprint) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		userID, fingerprint, until)
	return err
}
