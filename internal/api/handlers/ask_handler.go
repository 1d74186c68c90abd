package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/manual-qa/backend/internal/assistant"
	"github.com/manual-qa/backend/internal/cascade"
	"github.com/manual-qa/backend/internal/middleware/auth"
	"github.com/manual-qa/backend/internal/middleware/validation"
)

type Asker interface {
	Ask(ctx context.Context, req assistant.Request) (*assistant.Response, error)
	AskStream(ctx context.Context, req assistant.Request, emit cascade.Emitter) (*assistant.Response, error)
}

type AskHandler struct {
	assistant Asker
}

func NewAskHandler(a Asker) *AskHandler {
	return &AskHandler{assistant: a}
}

func (h *AskHandler) HandleAsk(c *fiber.Ctx) error {
	p, err := productFromParams(c.Params)
	if err != nil {
		return badProduct(c)
	}
	payload, ok := validation.PayloadFrom(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	resp, err := h.assistant.Ask(c.UserContext(), assistant.Request{
		Product:   p,
		UserID:    auth.UserID(c),
		Question:  payload.Question,
		SessionID: payload.SessionID,
	})
	if err != nil {
		return writeAskError(c, err)
	}

	return c.JSON(resp)
}
