package handlers

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/manual-qa/backend/internal/assistant"
	"github.com/manual-qa/backend/internal/cascade"
	"github.com/manual-qa/backend/internal/middleware/auth"
	"github.com/manual-qa/backend/internal/middleware/validation"
	"github.com/manual-qa/backend/internal/product"
	"github.com/manual-qa/backend/pkg/logger"
)

type WebSocketHandler struct {
	assistant Asker
	origin    func(string) bool
}

// NewWebSocketHandler streams answers. originAllowed may be nil.
func NewWebSocketHandler(a Asker, originAllowed func(string) bool) *WebSocketHandler {
	return &WebSocketHandler{assistant: a, origin: originAllowed}
}

// Upgrade admits WebSocket upgrades and carries the caller and product into
// the connection.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if h.origin != nil && !h.origin(c.Get(fiber.HeaderOrigin)) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Origin not allowed",
		})
	}
	p, err := productFromParams(c.Params)
	if err != nil {
		return badProduct(c)
	}

	c.Locals("product", p)
	c.Locals("stream_user", auth.UserID(c))
	return c.Next()
}

type streamRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	p, _ := c.Locals("product").(product.ID)
	userID, _ := c.Locals("stream_user").(string)

	logger.Info("WebSocket connection established", zap.String("product", p.Key()))
	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("product", p.Key()))
	}()

	for {
		var msg streamRequest
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}

		question, ok := streamQuestion(msg.Question)
		if !ok {
			h.sendError(c, fiber.Map{"message": "Question exceeds maximum length"})
			continue
		}

		if !h.streamAnswer(c, assistant.Request{
			Product:   p,
			UserID:    userID,
			Question:  question,
			SessionID: validation.Sanitize(msg.SessionID),
		}) {
			return
		}
	}
}

// streamQuestion cleans a streamed question the way the HTTP ask route does.
func streamQuestion(raw string) (string, bool) {
	q := validation.Sanitize(raw)
	return q, utf8.RuneCountInString(q) <= validation.DefaultMaxQuestionLength
}

// frameWriter is the part of *websocket.Conn used to send frames.
type frameWriter interface {
	WriteJSON(v interface{}) error
}

// streamAnswer reports false once the client is gone.
func (h *WebSocketHandler) streamAnswer(c frameWriter, req assistant.Request) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alive := true
	emit := func(ev cascade.Event) {
		if !alive {
			return
		}
		if err := c.WriteJSON(eventMessage(ev)); err != nil {
			logger.Info("Stream client disconnected", zap.Error(err))
			alive = false
			cancel()
		}
	}

	_, err := h.assistant.AskStream(ctx, req, emit)
	if err == nil {
		return alive
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var rej *assistant.RejectionError
	switch {
	case errors.As(err, &rej):
		body := rejectionBody(rej)
		body["message"] = body["error"]
		delete(body, "error")
		h.sendError(c, body)
	case errors.Is(err, assistant.ErrEmptyQuestion):
		h.sendError(c, fiber.Map{"message": "Question is required"})
	default:
		logger.Error("Failed to stream answer", zap.Error(err))
		h.sendError(c, fiber.Map{"message": "Failed to process question"})
	}
	return alive
}

func (h *WebSocketHandler) sendError(c frameWriter, body fiber.Map) {
	body["type"] = cascade.EventError
	if err := c.WriteJSON(body); err != nil {
		logger.Debug("Failed to send stream error", zap.Error(err))
	}
}

// eventMessage flattens an event into its wire form.
func eventMessage(ev cascade.Event) fiber.Map {
	msg := fiber.Map{"type": ev.Kind}
	switch ev.Kind {
	case cascade.EventStepStart, cascade.EventStepComplete:
		msg["step"] = ev.Step
		msg["name"] = ev.Name
		if ev.SelfCheckScore != nil {
			msg["self_check_score"] = *ev.SelfCheckScore
		}
	case cascade.EventAnswer:
		if r := ev.Answer; r != nil {
			msg["answer"] = r.Answer
			msg["source"] = r.Source
			msg["added_to_qa"] = r.AddedToQA
			if r.Reference != "" {
				msg["reference"] = r.Reference
			}
			if r.SelfCheckScore != nil {
				msg["self_check_score"] = *r.SelfCheckScore
			}
			if r.NeedsVerification {
				msg["needs_verification"] = true
			}
			if r.UsedGeneralKnowledge {
				msg["used_general_knowledge"] = true
			}
		}
		if ev.SessionID != "" {
			msg["session_id"] = ev.SessionID
		}
	case cascade.EventError:
		msg["message"] = ev.Message
	}
	return msg
}
