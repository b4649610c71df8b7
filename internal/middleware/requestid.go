// Package middleware holds the HTTP middleware shared by the upload and
// payment services: request ids, security headers, per-IP rate limiting,
// and the shared-secret auth guarding internal routes.
package middleware

import (
	"regexp"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request id on requests and responses.
	RequestIDHeader = "X-Request-Id"
	// RequestIDKey is the Locals key the request id is stored under.
	RequestIDKey = "request_id"
)

// Client-supplied ids are accepted only in a shape safe to echo and log.
var validRequestID = regexp.MustCompile(`^[0-9a-zA-Z-]{1,64}$`)

// RequestID tags every request with an id, echoed on the response so
// clients can correlate. A well-formed client-provided id is kept;
// anything else is replaced with a fresh UUID.
func RequestID() fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.New().String()
		}

		c.Locals(RequestIDKey, id)
		c.Set(RequestIDHeader, id)

		return c.Next()
	}
}

// GetRequestID returns the request id set by RequestID, or "" when the
// middleware did not run.
func GetRequestID(c fiber.Ctx) string {
	if id, ok := c.Locals(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
