package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/objectstore"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db     *db.DB
	store  objectstore.Store
	config *config.Config
}

// NewHealthHandler creates a new health handler. The store is nil for the
// payment service, which has no object storage.
func NewHealthHandler(database *db.DB, store objectstore.Store, cfg *config.Config) *HealthHandler {
	return &HealthHandler{
		db:     database,
		store:  store,
		config: cfg,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Services  map[string]string `json:"services"`
	Timestamp int64             `json:"timestamp"`
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/health/live", h.Liveness)
	app.Get("/health/ready", h.Readiness)
}

// Health returns the full health status
// @Summary Health check
// @Description Returns the health status of the service and its dependencies
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c fiber.Ctx) error {
	services := make(map[string]string)
	overallStatus := "healthy"

	dbStatus := h.checkDatabase()
	services["database"] = dbStatus
	if dbStatus != "up" {
		overallStatus = "degraded"
	}

	if h.store != nil {
		storeStatus := h.checkObjectStore()
		services["object_store"] = storeStatus
		if storeStatus != "up" {
			overallStatus = "degraded"
		}
	}

	// API is always up if we're responding
	services["api"] = "up"

	return c.JSON(HealthResponse{
		Status:    overallStatus,
		Version:   "1.0.0",
		Services:  services,
		Timestamp: time.Now().Unix(),
	})
}

// Liveness returns liveness probe status
// @Summary Liveness probe
// @Description Kubernetes liveness probe endpoint
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health/live [get]
func (h *HealthHandler) Liveness(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "alive",
	})
}

// Readiness returns readiness probe status
// @Summary Readiness probe
// @Description Kubernetes readiness probe endpoint
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Success 503 {object} map[string]string
// @Router /health/ready [get]
func (h *HealthHandler) Readiness(c fiber.Ctx) error {
	if dbStatus := h.checkDatabase(); dbStatus != "up" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "not_ready",
			"reason":   "database_unavailable",
			"database": dbStatus,
		})
	}

	if h.store != nil {
		if storeStatus := h.checkObjectStore(); storeStatus != "up" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":       "not_ready",
				"reason":       "object_store_unavailable",
				"object_store": storeStatus,
			})
		}
	}

	return c.JSON(fiber.Map{
		"status": "ready",
	})
}

// checkDatabase verifies database connectivity
func (h *HealthHandler) checkDatabase() string {
	if h.db == nil {
		return "not_configured"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return "down"
	}
	return "up"
}

// checkObjectStore verifies the object store answers requests. A missing
// probe key still proves the store is reachable.
func (h *HealthHandler) checkObjectStore() string {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := h.store.Head(ctx, "health/probe")
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return "down"
	}
	return "up"
}
