package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v3"
)

// InternalAuth guards service-to-service routes with a shared bearer
// secret. The upload service presents the same secret on every call.
type InternalAuth struct {
	secret string
}

// NewInternalAuth creates a new internal auth middleware instance
func NewInternalAuth(secret string) *InternalAuth {
	return &InternalAuth{secret: secret}
}

// Authenticate returns a Fiber handler that validates the Authorization
// bearer token against the shared secret.
func (m *InternalAuth) Authenticate() fiber.Handler {
	return func(c fiber.Ctx) error {
		if m.secret == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Internal authentication is not configured",
			})
		}

		token, ok := strings.CutPrefix(c.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Bearer token required",
			})
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(m.secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid bearer token",
			})
		}

		return c.Next()
	}
}
