// Package auth resolves the caller identity. Authentication itself happens
// upstream; this layer trusts the gateway-supplied user header.
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderUserID = "X-User-ID"
	localsKey    = "user_id"
)

type Config struct {
	// AllowQueryParam accepts ?user_id= for clients that cannot set headers,
	// such as browser WebSocket upgrades.
	AllowQueryParam bool
}

func Middleware(cfg Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(HeaderUserID))
		if userID == "" && cfg.AllowQueryParam {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		if userID == "" || len(userID) > 128 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":    "Authentication required",
				"category": "unauthenticated",
			})
		}

		c.Locals(localsKey, userID)
		return c.Next()
	}
}

// UserID returns the identity set by Middleware, or "".
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(localsKey).(string)
	return id
}
