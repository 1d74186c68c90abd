package handlers

import (
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/assistant"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/pkg/logger"
)

// rejectionBody renders a rejection with its machine-readable category.
func rejectionBody(rej *assistant.RejectionError) fiber.Map {
	body := fiber.Map{
		"error":    rej.Error(),
		"category": rej.Category,
	}
	switch rej.Category {
	case assistant.CategoryRestricted:
		body["until"] = rej.Until
		body["violation_count"] = rej.ViolationCount
	case assistant.CategoryInvalidQuestion:
		body["violation_type"] = rej.ViolationType
		body["reason"] = rej.Reason
		if rej.Until != nil {
			body["until"] = rej.Until
			body["violation_count"] = rej.ViolationCount
		}
	}
	return body
}

func rejectionStatus(cat assistant.Category) int {
	switch cat {
	case assistant.CategoryUnauthenticated:
		return fiber.StatusUnauthorized
	case assistant.CategoryRestricted:
		return fiber.StatusForbidden
	}
	return fiber.StatusBadRequest
}

func writeAskError(c *fiber.Ctx, err error) error {
	var rej *assistant.RejectionError
	if errors.As(err, &rej) {
		return c.Status(rejectionStatus(rej.Category)).JSON(rejectionBody(rej))
	}
	if errors.Is(err, assistant.ErrEmptyQuestion) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}

	logger.Error("Failed to answer question", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to process question",
	})
}

// productFromParams reads :manufacturer and :model, which may be percent-encoded.
func productFromParams(params func(key string, defaultValue ...string) string) (product.ID, error) {
	mfr, err := url.PathUnescape(params("manufacturer"))
	if err != nil {
		return product.ID{}, product.ErrInvalid
	}
	model, err := url.PathUnescape(params("model"))
	if err != nil {
		return product.ID{}, product.ErrInvalid
	}
	return product.New(mfr, model)
}

func badProduct(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "Invalid product",
	})
}
