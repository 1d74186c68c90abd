package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const localsKey = "validated_payload"

const (
	DefaultMaxQuestionLength = 2000
	DefaultMaxAnswerLength   = 20000
)

// Payload is the sanitized JSON body shared by the ask and rating routes.
type Payload struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
	IsHelpful *bool  `json:"is_helpful"`
}

type Config struct {
	MaxQuestionLength   int
	MaxAnswerLength     int
	AllowedContentTypes []string
	// RequireRating rejects bodies without is_helpful.
	RequireRating bool
	Logger        *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQuestionLength == 0 {
		cfg.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if cfg.MaxAnswerLength == 0 {
		cfg.MaxAnswerLength = DefaultMaxAnswerLength
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		contentType := c.Get(fiber.HeaderContentType)
		allowed := false
		for _, t := range cfg.AllowedContentTypes {
			if strings.Contains(contentType, t) {
				allowed = true
				break
			}
		}
		if !allowed {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		var p Payload
		if err := c.BodyParser(&p); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		p.Question = Sanitize(p.Question)
		p.Answer = Sanitize(p.Answer)
		p.SessionID = Sanitize(p.SessionID)

		if p.Question == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Question is required",
			})
		}
		if utf8.RuneCountInString(p.Question) > cfg.MaxQuestionLength {
			cfg.Logger.Warn("Oversized question rejected",
				zap.String("ip", c.IP()),
				zap.Int("length", len(p.Question)),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Question exceeds maximum length",
			})
		}
		if utf8.RuneCountInString(p.Answer) > cfg.MaxAnswerLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Answer exceeds maximum length",
			})
		}
		if cfg.RequireRating && p.IsHelpful == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "is_helpful is required",
			})
		}

		c.Locals(localsKey, &p)
		return c.Next()
	}
}

// PayloadFrom returns the body validated by Middleware.
func PayloadFrom(c *fiber.Ctx) (*Payload, bool) {
	p, ok := c.Locals(localsKey).(*Payload)
	return p, ok
}

// Sanitize strips NUL bytes and invalid UTF-8 and trims surrounding space.
func Sanitize(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return strings.TrimSpace(input)
}
