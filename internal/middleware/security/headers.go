package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	// AllowedOrigins may open WebSocket streams from a browser.
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets response headers for a JSON and WebSocket API.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := "default-src 'none'; frame-ancestors 'none'; connect-src 'self'" + connectSrc(cfg.AllowedOrigins)

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Cache-Control", "no-store")
		c.Set("Content-Security-Policy", csp)

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		return c.Next()
	}
}

// OriginAllowed reports whether a browser origin may open a stream. An
// empty allow list admits everyone.
func OriginAllowed(cfg HeadersConfig, origin string) bool {
	if len(cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func connectSrc(origins []string) string {
	if len(origins) == 0 {
		return ""
	}
	var b strings.Builder
	for _, o := range origins {
		b.WriteByte(' ')
		b.WriteString(o)
		b.WriteByte(' ')
		b.WriteString(strings.Replace(strings.Replace(o, "https://", "wss://", 1), "http://", "ws://", 1))
	}
	return b.String()
}
