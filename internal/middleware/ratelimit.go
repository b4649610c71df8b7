package middleware

import (
	"strings"
	"time"

	"permagate/internal/config"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
)

// RateLimitMiddleware keys request limits by client IP.
type RateLimitMiddleware struct {
	config *config.RateLimitConfig
}

// NewRateLimitMiddleware creates a new rate limit middleware instance
func NewRateLimitMiddleware(cfg *config.RateLimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		config: cfg,
	}
}

// Middleware returns the IP-keyed limiter. A disabled config yields a
// pass-through handler.
func (m *RateLimitMiddleware) Middleware() fiber.Handler {
	if !m.config.Enabled {
		return func(c fiber.Ctx) error {
			return c.Next()
		}
	}

	return limiter.New(limiter.Config{
		Max:        m.config.MaxRequests,
		Expiration: time.Duration(m.config.WindowSeconds) * time.Second,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached:           rateLimitResponse,
		SkipSuccessfulRequests: false,
		SkipFailedRequests:     false,
		Next: func(c fiber.Ctx) bool {
			// Health probes and internal service-to-service calls are
			// exempt; the latter authenticate with the shared secret.
			return isHealthEndpoint(c.Path()) || isInternalEndpoint(c.Path())
		},
	})
}

// rateLimitResponse answers 429 with a Retry-After hint.
func rateLimitResponse(c fiber.Ctx) error {
	retryAfter := c.GetRespHeader("Retry-After")
	if retryAfter == "" {
		retryAfter = "60"
	}

	c.Set("Retry-After", retryAfter)
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":       "Too many requests",
		"retry_after": retryAfter,
	})
}

// isHealthEndpoint checks if the path is a health endpoint
func isHealthEndpoint(path string) bool {
	return strings.HasPrefix(path, "/health")
}

// isInternalEndpoint checks if the path is an internal bearer-guarded route
func isInternalEndpoint(path string) bool {
	switch path {
	case "/v1/check-balance", "/v1/reserve-balance", "/v1/finalize-reservation", "/v1/adjust-balance":
		return true
	}
	return false
}
