// Package server assembles the two permagate services. Each service owns
// its database, queue consumers and HTTP app; both share the same
// middleware stack and error shape.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"permagate/internal/config"
	"permagate/internal/middleware"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// newApp builds a Fiber app with the shared middleware stack. streamBody
// turns on request body streaming for the upload ingress so multi-gigabyte
// items never buffer in memory.
func newApp(cfg *config.Config, name string, streamBody bool) *fiber.App {
	fiberConfig := fiber.Config{
		AppName:      name,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorHandler: errorHandler,
	}
	if streamBody {
		fiberConfig.StreamRequestBody = true
		// The limit needs headroom over the largest data item for the
		// envelope header; the ingest path enforces the exact cap.
		fiberConfig.BodyLimit = int(cfg.Upload.MaxDataItemSize + 1<<20)
	}

	app := fiber.New(fiberConfig)

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())

	// JSON logs in production for aggregators, text in development.
	if cfg.IsProduction() {
		app.Use(logger.New(logger.Config{
			Format: `{"time":"${time}","status":${status},"method":"${method}","path":"${path}","latency":"${latency}","ip":"${ip}","request_id":"${locals:request_id}"}` + "\n",
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} ${latency} [${locals:request_id}]\n",
		}))
	}

	rateLimiter := middleware.NewRateLimitMiddleware(&cfg.RateLimit)
	app.Use(rateLimiter.Middleware())

	// Credentials cannot be combined with a wildcard origin.
	allowCredentials := true
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			allowCredentials = false
			break
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Content-Length", "Authorization", "X-Payment", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"X-Payment-Response", "X-Payment-Required", middleware.RequestIDHeader},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	}))

	registerInfoRoute(app, name)

	return app
}

// registerInfoRoute serves the service banner at the root path.
func registerInfoRoute(app *fiber.App, name string) {
	app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"name":    name,
			"version": Version,
		})
	})
}

// registerNotFound installs the trailing 404 handler. Call it after every
// handler has registered its routes.
func registerNotFound(app *fiber.App) {
	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "Not found",
			"message":    "The requested endpoint does not exist",
			"path":       c.Path(),
			"request_id": middleware.GetRequestID(c),
		})
	})
}

// errorHandler handles errors globally
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	requestID := middleware.GetRequestID(c)

	slog.Error("request error", "error", err, "request_id", requestID, "status", code)

	return c.Status(code).JSON(fiber.Map{
		"error":      message,
		"status":     code,
		"timestamp":  time.Now().Unix(),
		"request_id": requestID,
	})
}

// listenAddr formats the bind address for a configured port.
func listenAddr(cfg *config.Config) string {
	return fmt.Sprintf(":%s", cfg.Server.Port)
}
