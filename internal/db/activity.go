// activity.go - Security activity log.
package db

import (
	"context"
	"database/sql"
	"time"
)

// ActivityEntry is one row of the activity log.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity implements auth.ActivityLog.
type Activity struct {
	db *sql.DB
}

func NewActivity(db *sql.DB) *Activity { return &Activity{db: db} }

func (s *Activity) Record(ctx context.Context, userID, action, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (user_id, action, detail) VALUES ($1, $2, $3)`,
		nullString(userID), action, detail)
	return err
}

// Recent returns a user's newest entries, up to limit.
func (s *Activity) Recent(ctx context.Context, userID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, action, detail, created_at
		FROM activity_log
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var (
			e   ActivityEntry
			uid sql.NullString
		)
		if err := rows.Scan(&e.ID, &uid, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = uid.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
