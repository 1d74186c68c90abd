package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/middleware/auth"
	"github.com/manual-qa/backend/internal/session"
	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/pkg/logger"
)

type SessionService interface {
	ListForProduct(ctx context.Context, userID, productKey string) ([]models.SessionOverview, error)
	GetDetail(ctx context.Context, sessionID, userID string) (*session.Detail, error)
	Reset(ctx context.Context, userID, productKey string) (string, error)
}

type SessionHandler struct {
	sessions SessionService
}

func NewSessionHandler(s SessionService) *SessionHandler {
	return &SessionHandler{sessions: s}
}

type sessionView struct {
	ID                  string    `json:"id"`
	ProductKey          string    `json:"product_key"`
	IsActive            bool      `json:"is_active"`
	Summary             string    `json:"summary,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
	MessageCount        int       `json:"message_count"`
	FirstMessagePreview string    `json:"first_message_preview,omitempty"`
}

type messageView struct {
	ID        string              `json:"id"`
	Role      string              `json:"role"`
	Content   string              `json:"content"`
	Meta      *models.MessageMeta `json:"meta,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

func newSessionView(s models.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		ProductKey:     s.ProductKey,
		IsActive:       s.Active,
		Summary:        s.Summary,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func (h *SessionHandler) HandleList(c *fiber.Ctx) error {
	p, err := productFromParams(c.Params)
	if err != nil {
		return badProduct(c)
	}

	rows, err := h.sessions.ListForProduct(c.UserContext(), auth.UserID(c), p.Key())
	if err != nil {
		logger.Error("Failed to list sessions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}

	views := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		v := newSessionView(row.Session)
		v.MessageCount = row.MessageCount
		v.FirstMessagePreview = row.FirstMessagePreview
		views = append(views, v)
	}

	return c.JSON(fiber.Map{"sessions": views})
}

func (h *SessionHandler) HandleGet(c *fiber.Ctx) error {
	detail, err := h.sessions.GetDetail(c.UserContext(), c.Params("id"), auth.UserID(c))
	if errors.Is(err, session.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	if err != nil {
		logger.Error("Failed to load session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	msgs := make([]messageView, 0, len(detail.Messages))
	for _, m := range detail.Messages {
		mv := messageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
		if m.Role == models.RoleAssistant {
			meta := m.Meta
			mv.Meta = &meta
		}
		msgs = append(msgs, mv)
	}

	return c.JSON(fiber.Map{
		"session":  newSessionView(detail.Session),
		"messages": msgs,
	})
}

func (h *SessionHandler) HandleReset(c *fiber.Ctx) error {
	p, err := productFromParams(c.Params)
	if err != nil {
		return badProduct(c)
	}

	id, err := h.sessions.Reset(c.UserContext(), auth.UserID(c), p.Key())
	if err != nil {
		logger.Error("Failed to reset session", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to reset session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"session_id": id})
}
