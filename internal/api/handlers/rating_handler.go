package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/feedback"
	"github.com/manual-qa/backend/internal/middleware/auth"
	"github.com/manual-qa/backend/internal/middleware/validation"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/pkg/logger"
)

type Rater interface {
	Rate(ctx context.Context, p product.ID, userID, question, answer string, helpful bool) (*feedback.Outcome, error)
}

type RatingHandler struct {
	feedback Rater
}

func NewRatingHandler(r Rater) *RatingHandler {
	return &RatingHandler{feedback: r}
}

func (h *RatingHandler) HandleRate(c *fiber.Ctx) error {
	p, err := productFromParams(c.Params)
	if err != nil {
		return badProduct(c)
	}
	payload, ok := validation.PayloadFrom(c)
	if !ok || payload.IsHelpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "is_helpful is required",
		})
	}
	if strings.TrimSpace(payload.Question) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}

	out, err := h.feedback.Rate(c.UserContext(), p, auth.UserID(c), payload.Question, payload.Answer, *payload.IsHelpful)
	if err != nil {
		logger.Error("Failed to record rating", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record rating",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(out)
}
