package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manual-qa/backend/internal/storage/models"
)

func (c *Client) InsertViolation(ctx context.Context, v *models.Violation) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO violations (user_id, product_key, question, violation_type, detection_method, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.UserID, v.ProductKey, v.Question, v.Type, v.Method, v.Reason, v.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		v.ID = id
	}
	return nil
}

func (c *Client) ListViolations(ctx context.Context, userID string, limit int) ([]models.Violation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, product_key, question, violation_type, detection_method, COALESCE(reason, ''), created_at
		FROM violations WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []models.Violation
	for rows.Next() {
		var (
			v       models.Violation
			created int64
		)
		if err := rows.Scan(&v.ID, &v.UserID, &v.ProductKey, &v.Question, &v.Type, &v.Method, &v.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.CreatedAt = time.UnixMilli(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *Client) GetRestriction(ctx context.Context, userID string) (*models.Restriction, error) {
	var (
		r       models.Restriction
		until   sql.NullInt64
		updated int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT user_id, violation_count, restricted_until, updated_at FROM restrictions WHERE user_id = ?`, userID,
	).Scan(&r.UserID, &r.ViolationCount, &until, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get restriction: %w", err)
	}
	if until.Valid {
		t := time.UnixMilli(until.Int64)
		r.RestrictedUntil = &t
	}
	r.UpdatedAt = time.UnixMilli(updated)
	return &r, nil
}

// IncrementViolationCount bumps the user's counter atomically and returns
// the new value. The first call creates the row with count 1.
func (c *Client) IncrementViolationCount(ctx context.Context, userID string, at time.Time) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO restrictions (user_id, violation_count, restricted_until, updated_at)
		VALUES (?, 1, NULL, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			violation_count = violation_count + 1,
			updated_at = excluded.updated_at
		RETURNING violation_count`,
		userID, at.UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment violation count: %w", err)
	}
	return count, nil
}

func (c *Client) SetRestrictedUntil(ctx context.Context, userID string, until *time.Time, at time.Time) error {
	var value any
	if until != nil {
		value = until.UnixMilli()
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE restrictions SET restricted_until = ?, updated_at = ? WHERE user_id = ?`,
		value, at.UnixMilli(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to set restriction window: %w", err)
	}
	return nil
}
