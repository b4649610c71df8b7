package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"permagate/internal/db"
)

// StatusHandler serves data item lifecycle lookups
type StatusHandler struct {
	db  *db.DB
	log *slog.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(database *db.DB, log *slog.Logger) *StatusHandler {
	return &StatusHandler{db: database, log: log}
}

// RegisterRoutes registers status routes
func (h *StatusHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/v1/tx/:id/status", h.GetStatus)
	app.Get("/v1/tx/:id/offset", h.GetOffset)
}

// GetStatus reports where a data item is in its lifecycle
// @Summary Data item status
// @Description Returns the lifecycle state of a data item: new, planned, permanent or failed, with the bundle and block once known.
// @Tags status
// @Produce json
// @Param id path string true "Data item id"
// @Success 200 {object} db.DataItemStatusInfo
// @Failure 404 {object} map[string]string
// @Router /v1/tx/{id}/status [get]
func (h *StatusHandler) GetStatus(c fiber.Ctx) error {
	info, err := h.db.GetDataItemStatus(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, db.ErrDataItemNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Data item not found",
			})
		}
		h.log.Error("failed to look up data item status", "data_item_id", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Status lookup failed",
		})
	}
	return c.JSON(info)
}

// GetOffset returns the item's position inside its root bundle
// @Summary Data item offset
// @Description Returns the raw byte position of a data item inside its root bundle, plus payload boundaries. Populated once the item's bundle is seeded.
// @Tags status
// @Produce json
// @Param id path string true "Data item id"
// @Success 200 {object} db.DataItemOffset
// @Failure 404 {object} map[string]string
// @Router /v1/tx/{id}/offset [get]
func (h *StatusHandler) GetOffset(c fiber.Ctx) error {
	offset, err := h.db.GetDataItemOffset(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, db.ErrOffsetNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No offset recorded for data item",
			})
		}
		h.log.Error("failed to look up data item offset", "data_item_id", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Offset lookup failed",
		})
	}
	return c.JSON(offset)
}
