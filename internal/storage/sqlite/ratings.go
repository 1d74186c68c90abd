package sqlite

import (
	"context"
	"fmt"

	"github.com/manual-qa/backend/internal/storage/models"
)

func (c *Client) InsertRating(ctx context.Context, r *models.Rating) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO ratings (product_key, user_id, fingerprint, question, answer, is_helpful, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ProductKey, r.UserID, r.Fingerprint, r.Question, r.Answer, boolToInt(r.Helpful), r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rating: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// CountNegativeRatings counts distinct users who rated the fingerprint unhelpful.
func (c *Client) CountNegativeRatings(ctx context.Context, productKey, fingerprint string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM ratings
		WHERE product_key = ? AND fingerprint = ? AND is_helpful = 0`,
		productKey, fingerprint,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count negative ratings: %w", err)
	}
	return n, nil
}

func (c *Client) DeleteRatings(ctx context.Context, productKey, fingerprint string) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM ratings WHERE product_key = ? AND fingerprint = ?`, productKey, fingerprint,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete ratings: %w", err)
	}
	return res.RowsAffected()
}
