package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/middleware/auth"
	"github.com/manual-qa/backend/internal/storage/models"
	"github.com/manual-qa/backend/pkg/logger"
)

const maxViolationsListed = 100

type ViolationLister interface {
	ListViolations(ctx context.Context, userID string, limit int) ([]models.Violation, error)
}

type ViolationHandler struct {
	store ViolationLister
}

func NewViolationHandler(store ViolationLister) *ViolationHandler {
	return &ViolationHandler{store: store}
}

type violationView struct {
	ProductKey string    `json:"product_key"`
	Type       string    `json:"violation_type"`
	Method     string    `json:"method"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *ViolationHandler) HandleList(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > maxViolationsListed {
		limit = maxViolationsListed
	}

	rows, err := h.store.ListViolations(c.UserContext(), auth.UserID(c), limit)
	if err != nil {
		logger.Error("Failed to list violations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list violations",
		})
	}

	views := make([]violationView, 0, len(rows))
	for _, v := range rows {
		views = append(views, violationView{
			ProductKey: v.ProductKey,
			Type:       v.Type,
			Method:     v.Method,
			Reason:     v.Reason,
			CreatedAt:  v.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{"violations": views})
}
