// Package session keeps one active conversation per user and product and
// the message history behind it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/pkg/logger"
)

// ErrNotFound covers both missing sessions and sessions owned by someone else.
var ErrNotFound = errors.New("session not found")

const DefaultInactivityWindow = 6 * time.Hour

type Store interface {
	InsertSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	FindActiveSession(ctx context.Context, userID, productKey string) (*models.Session, error)
	DeactivateSessions(ctx context.Context, userID, productKey string) (int64, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	ListSessions(ctx context.Context, userID, productKey string) ([]models.SessionOverview, error)
	InsertMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context, sessionID, role string) (int, error)
}

// SummaryQueue accepts first messages for background summarization.
type SummaryQueue interface {
	Submit(sessionID, firstMessage string) bool
}

type Config struct {
	InactivityWindow time.Duration
	ContextTurns     int
}

type Detail struct {
	Session  models.Session
	Messages []models.Message
}

type Manager struct {
	store     Store
	summaries SummaryQueue
	cfg       Config
	now       func() time.Time
}

func NewManager(store Store, summaries SummaryQueue, cfg Config) *Manager {
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = DefaultInactivityWindow
	}
	return &Manager{
		store:     store,
		summaries: summaries,
		cfg:       cfg,
		now:       time.Now,
	}
}

// GetOrCreateActive reuses the active session when its last activity is
// inside the inactivity window, otherwise starts a new one.
func (m *Manager) GetOrCreateActive(ctx context.Context, userID, productKey string) (*models.Session, error) {
	s, err := m.store.FindActiveSession(ctx, userID, productKey)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	if err == nil && m.now().Sub(s.LastActivityAt) < m.cfg.InactivityWindow {
		return s, nil
	}
	return m.Create(ctx, userID, productKey)
}

// Resolve returns the named session when it is active, owned by the user and
// for the same product. Anything else falls back to GetOrCreateActive.
func (m *Manager) Resolve(ctx context.Context, userID, productKey, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		s, err := m.store.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			if s.UserID == userID && s.ProductKey == productKey && s.Active &&
				m.now().Sub(s.LastActivityAt) < m.cfg.InactivityWindow {
				return s, nil
			}
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
	}
	return m.GetOrCreateActive(ctx, userID, productKey)
}

// Create deactivates any active session for the pair and starts a new one.
func (m *Manager) Create(ctx context.Context, userID, productKey string) (*models.Session, error) {
	if _, err := m.store.DeactivateSessions(ctx, userID, productKey); err != nil {
		return nil, err
	}

	now := m.now()
	s := &models.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		ProductKey:     productKey,
		Active:         true,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.InsertSession(ctx, s); err != nil {
		return nil, err
	}

	logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.String("product", productKey),
	)
	return s, nil
}

func (m *Manager) Reset(ctx context.Context, userID, productKey string) (string, error) {
	s, err := m.Create(ctx, userID, productKey)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// AddMessage appends to the session and refreshes its last activity. The
// first user message queues a summary.
func (m *Manager) AddMessage(ctx context.Context, sessionID, role, content string, meta models.MessageMeta) (*models.Message, error) {
	if role != models.RoleUser && role != models.RoleAssistant {
		return nil, fmt.Errorf("invalid message role %q", role)
	}

	now := m.now()
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Meta:      meta,
		CreatedAt: now,
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.store.TouchSession(ctx, sessionID, now); err != nil {
		logger.Warn("Failed to refresh session activity", zap.String("session_id", sessionID), zap.Error(err))
	}

	if role == models.RoleUser && m.summaries != nil {
		n, err := m.store.CountMessages(ctx, sessionID, models.RoleUser)
		if err != nil {
			logger.Warn("Failed to count session messages", zap.String("session_id", sessionID), zap.Error(err))
		} else if n == 1 {
			m.summaries.Submit(sessionID, content)
		}
	}
	return msg, nil
}

func (m *Manager) GetDetail(ctx context.Context, sessionID, userID string) (*Detail, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}

	msgs, err := m.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return &Detail{Session: *s, Messages: msgs}, nil
}

func (m *Manager) ListForProduct(ctx context.Context, userID, productKey string) ([]models.SessionOverview, error) {
	return m.store.ListSessions(ctx, userID, productKey)
}

// Conversation renders the most recent turns for prompt context.
func (m *Manager) Conversation(ctx context.Context, sessionID string) (string, error) {
	if m.cfg.ContextTurns <= 0 {
		return "", nil
	}
	msgs, err := m.store.ListMessages(ctx, sessionID, m.cfg.ContextTurns)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, strings.TrimSpace(msg.Content))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
