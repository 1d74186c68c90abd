package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/pkg/logger"
)

// PreviewLength caps SessionOverview.FirstMessagePreview, in runes.
const PreviewLength = 80

const sessionColumns = `id, user_id, product_key, is_active, summary, created_at, last_activity_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, s *models.Session, extra ...any) error {
	var (
		active            int
		summary           sql.NullString
		created, activity int64
	)
	dest := append([]any{&s.ID, &s.UserID, &s.ProductKey, &active, &summary, &created, &activity}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}
	s.Active = active == 1
	s.Summary = summary.String
	s.CreatedAt = time.UnixMilli(created)
	s.LastActivityAt = time.UnixMilli(activity)
	return nil
}

func (c *Client) InsertSession(ctx context.Context, s *models.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)`

	_, err := c.db.ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.ProductKey,
		boolToInt(s.Active),
		s.Summary,
		s.CreatedAt.UnixMilli(),
		s.LastActivityAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	var s models.Session
	err := scanSession(c.db.QueryRowContext(ctx, query, id), &s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// FindActiveSession returns the most recently active session for the pair.
func (c *Client) FindActiveSession(ctx context.Context, userID, productKey string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = ? AND product_key = ? AND is_active = 1
		ORDER BY last_activity_at DESC
		LIMIT 1`

	var s models.Session
	err := scanSession(c.db.QueryRowContext(ctx, query, userID, productKey), &s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return &s, nil
}

func (c *Client) DeactivateSessions(ctx context.Context, userID, productKey string) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0 WHERE user_id = ? AND product_key = ? AND is_active = 1`,
		userID, productKey,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeactivateStaleSessions marks every active session idle since before cutoff inactive.
func (c *Client) DeactivateStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND last_activity_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale sessions: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (c *Client) SetSessionSummary(ctx context.Context, id, summary string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("failed to set session summary: %w", err)
	}
	return nil
}

func (c *Client) ListSessions(ctx context.Context, userID, productKey string) ([]models.SessionOverview, error) {
	query := `
		SELECT s.id, s.user_id, s.product_key, s.is_active, s.summary, s.created_at, s.last_activity_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
			COALESCE((SELECT m.content FROM messages m
				WHERE m.session_id = s.id AND m.role = 'user'
				ORDER BY m.created_at, m.rowid LIMIT 1), '')
		FROM sessions s
		WHERE s.user_id = ? AND s.product_key = ?
		ORDER BY s.last_activity_at DESC
	`

	rows, err := c.db.QueryContext(ctx, query, userID, productKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionOverview
	for rows.Next() {
		var o models.SessionOverview
		if err := scanSession(rows, &o.Session, &o.MessageCount, &o.FirstMessagePreview); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		o.FirstMessagePreview = preview(o.FirstMessagePreview)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (c *Client) InsertMessage(ctx context.Context, m *models.Message) error {
	meta, err := json.Marshal(m.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal message meta: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, meta, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, string(meta), m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (c *Client) CountMessages(ctx context.Context, sessionID, role string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND role = ?`, sessionID, role,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ListMessages returns the session's messages oldest first. A positive
// limit keeps only the most recent ones.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `SELECT id, session_id, role, content, meta, created_at FROM messages
		WHERE session_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m       models.Message
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Meta); err != nil {
				logger.Warn("Discarding unreadable message meta",
					zap.String("message_id", m.ID),
					zap.Error(err),
				)
			}
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:PreviewLength-1])) + "…"
}
