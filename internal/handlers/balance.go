package handlers

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v3"

	"permagate/internal/ans104"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/middleware"
	"permagate/internal/pricing"
	"permagate/internal/winston"
)

// BalanceHandler handles the credit ledger endpoints. The mutation routes
// are internal: only the upload service and operators hold the shared
// secret.
type BalanceHandler struct {
	config  *config.Config
	db      *db.DB
	pricing *pricing.Service
	auth    *middleware.InternalAuth
	log     *slog.Logger
}

// NewBalanceHandler creates a new balance handler
func NewBalanceHandler(cfg *config.Config, database *db.DB, pricer *pricing.Service, auth *middleware.InternalAuth, log *slog.Logger) *BalanceHandler {
	return &BalanceHandler{
		config:  cfg,
		db:      database,
		pricing: pricer,
		auth:    auth,
		log:     log,
	}
}

// CheckBalanceRequest prices an upload against an account.
type CheckBalanceRequest struct {
	Address     string               `json:"address"`
	AddressType string               `json:"addressType"`
	ByteCount   int64                `json:"byteCount"`
	SigType     ans104.SignatureType `json:"sigType"`
}

// CheckBalanceResponse reports affordability without reserving.
type CheckBalanceResponse struct {
	Sufficient        bool            `json:"sufficient"`
	BytesCostInWinc   winston.Winston `json:"bytesCostInWinc"`
	UserBalanceInWinc winston.Winston `json:"userBalanceInWinc"`
	UserAddress       string          `json:"userAddress"`
}

// ReserveBalanceRequest debits an account for a data item.
type ReserveBalanceRequest struct {
	DataItemID  string               `json:"dataItemId"`
	Address     string               `json:"address"`
	AddressType string               `json:"addressType"`
	ByteCount   int64                `json:"byteCount"`
	SigType     ans104.SignatureType `json:"sigType"`
}

// ReserveBalanceResponse reports the reservation outcome.
type ReserveBalanceResponse struct {
	IsReserved     bool            `json:"isReserved"`
	CostOfDataItem winston.Winston `json:"costOfDataItem"`
	WalletExists   bool            `json:"walletExists"`
}

// FinalizeReservationRequest consumes or cancels a reservation.
type FinalizeReservationRequest struct {
	DataItemID string `json:"dataItemId"`
	Cancel     bool   `json:"cancel"`
}

// AdjustBalanceRequest is one signed ledger mutation.
type AdjustBalanceRequest struct {
	Address      string          `json:"address"`
	AddressType  string          `json:"addressType"`
	Delta        winston.Winston `json:"delta"`
	ChangeReason string          `json:"changeReason"`
	ChangeID     string          `json:"changeId"`
}

// BalanceResponse is the public ledger read.
type BalanceResponse struct {
	UserAddress string          `json:"userAddress"`
	Winc        winston.Winston `json:"winc"`
}

// RegisterRoutes registers ledger routes
func (h *BalanceHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/v1/balance", h.GetBalance)
	app.Post("/v1/check-balance", h.auth.Authenticate(), h.CheckBalance)
	app.Post("/v1/reserve-balance", h.auth.Authenticate(), h.ReserveBalance)
	app.Post("/v1/finalize-reservation", h.auth.Authenticate(), h.FinalizeReservation)
	app.Post("/v1/adjust-balance", h.auth.Authenticate(), h.AdjustBalance)
}

// GetBalance reads an account's credit balance
// @Summary Read a credit balance
// @Description Returns the winston credit balance for an address.
// @Tags balance
// @Produce json
// @Param address query string true "Account address"
// @Success 200 {object} BalanceResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /v1/balance [get]
func (h *BalanceHandler) GetBalance(c fiber.Ctx) error {
	address := c.Query("address")
	if address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "address query parameter is required",
		})
	}

	balance, found, err := h.db.GetBalance(c.Context(), address)
	if err != nil {
		h.log.Error("failed to read balance", "address", address, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Balance lookup failed",
		})
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	return c.JSON(BalanceResponse{UserAddress: address, Winc: balance})
}

// CheckBalance prices an upload without reserving
// @Summary Check affordability
// @Description Prices an upload and reports whether the account balance covers it. Internal route.
// @Tags balance
// @Accept json
// @Produce json
// @Param request body CheckBalanceRequest true "Account and upload size"
// @Success 200 {object} CheckBalanceResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /v1/check-balance [post]
func (h *BalanceHandler) CheckBalance(c fiber.Ctx) error {
	var req CheckBalanceRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Address == "" || req.ByteCount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "address and a positive byteCount are required",
		})
	}

	subsidized := h.allowlisted(req.Address)
	cost, err := h.pricing.CostForBytes(c.Context(), req.ByteCount, req.SigType, subsidized)
	if err != nil {
		h.log.Error("failed to price upload", "byte_count", req.ByteCount, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Pricing unavailable",
		})
	}

	balance, _, err := h.db.GetBalance(c.Context(), req.Address)
	if err != nil {
		h.log.Error("failed to read balance", "address", req.Address, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Balance lookup failed",
		})
	}

	sufficient := subsidized || !balance.Sub(cost).IsNegative()
	return c.JSON(CheckBalanceResponse{
		Sufficient:        sufficient,
		BytesCostInWinc:   cost,
		UserBalanceInWinc: balance,
		UserAddress:       req.Address,
	})
}

// ReserveBalance debits an account for a pending data item
// @Summary Reserve credits for an upload
// @Description Atomically debits the account and records a reservation against the data item id. Repeats are a no-op. Internal route.
// @Tags balance
// @Accept json
// @Produce json
// @Param request body ReserveBalanceRequest true "Reservation parameters"
// @Success 200 {object} ReserveBalanceResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /v1/reserve-balance [post]
func (h *BalanceHandler) ReserveBalance(c fiber.Ctx) error {
	var req ReserveBalanceRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.DataItemID == "" || req.Address == "" || req.ByteCount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "dataItemId, address and a positive byteCount are required",
		})
	}

	subsidized := h.allowlisted(req.Address)
	cost, err := h.pricing.CostForBytes(c.Context(), req.ByteCount, req.SigType, subsidized)
	if err != nil {
		h.log.Error("failed to price upload", "byte_count", req.ByteCount, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Pricing unavailable",
		})
	}

	_, walletExists, err := h.db.GetBalance(c.Context(), req.Address)
	if err != nil {
		h.log.Error("failed to read balance", "address", req.Address, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Balance lookup failed",
		})
	}

	// Free uploads never touch the ledger; there is nothing to release
	// later, and finalize treats the missing reservation as consumed.
	if cost.IsZero() {
		return c.JSON(ReserveBalanceResponse{
			IsReserved:     true,
			CostOfDataItem: winston.Zero(),
			WalletExists:   walletExists,
		})
	}
	if !walletExists && !subsidized {
		return c.JSON(ReserveBalanceResponse{
			IsReserved:     false,
			CostOfDataItem: cost,
			WalletExists:   false,
		})
	}

	created, err := h.db.ReserveBalance(c.Context(), &db.BalanceReservation{
		DataItemID:    req.DataItemID,
		UserAddress:   req.Address,
		ReservedWinc:  cost,
		NetworkFee:    cost,
		ServiceFee:    winston.Zero(),
		SignatureType: int(req.SigType),
		ByteCount:     req.ByteCount,
	})
	if err != nil {
		if errors.Is(err, db.ErrInsufficientBalance) || errors.Is(err, db.ErrUserNotFound) {
			return c.JSON(ReserveBalanceResponse{
				IsReserved:     false,
				CostOfDataItem: cost,
				WalletExists:   walletExists,
			})
		}
		h.log.Error("failed to reserve balance", "data_item_id", req.DataItemID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Reservation failed",
		})
	}

	if !created {
		// A reservation already exists for this item; report its cost so
		// retried finalizations price consistently.
		if r, err := h.db.GetReservation(c.Context(), req.DataItemID); err == nil {
			cost = r.ReservedWinc
		}
	}

	return c.JSON(ReserveBalanceResponse{
		IsReserved:     true,
		CostOfDataItem: cost,
		WalletExists:   true,
	})
}

// FinalizeReservation consumes or cancels a reservation
// @Summary Finalize a reservation
// @Description Consumes the reservation once the item is permanent, or cancels it and credits the amount back. Internal route.
// @Tags balance
// @Accept json
// @Produce json
// @Param request body FinalizeReservationRequest true "Reservation and verdict"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /v1/finalize-reservation [post]
func (h *BalanceHandler) FinalizeReservation(c fiber.Ctx) error {
	var req FinalizeReservationRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.DataItemID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "dataItemId is required",
		})
	}

	var done bool
	var err error
	status := "consumed"
	if req.Cancel {
		status = "cancelled"
		done, err = h.db.CancelReservation(c.Context(), req.DataItemID)
	} else {
		done, err = h.db.ConsumeReservation(c.Context(), req.DataItemID)
	}
	if err != nil {
		h.log.Error("failed to finalize reservation",
			"data_item_id", req.DataItemID, "cancel", req.Cancel, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Reservation finalize failed",
		})
	}
	if !done {
		status = "not_found"
	}

	return c.JSON(fiber.Map{"status": status})
}

// AdjustBalance applies a signed credit delta
// @Summary Adjust a balance
// @Description Applies a signed winston delta through the ledger with an audit row. Internal route.
// @Tags balance
// @Accept json
// @Produce json
// @Param request body AdjustBalanceRequest true "Ledger mutation"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /v1/adjust-balance [post]
func (h *BalanceHandler) AdjustBalance(c fiber.Ctx) error {
	var req AdjustBalanceRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Address == "" || req.ChangeReason == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "address and changeReason are required",
		})
	}

	applied, err := h.db.AdjustBalance(c.Context(), db.BalanceChange{
		UserAddress:     req.Address,
		UserAddressType: req.AddressType,
		Delta:           req.Delta,
		Reason:          req.ChangeReason,
		ChangeID:        req.ChangeID,
	})
	if err != nil {
		if errors.Is(err, db.ErrInsufficientBalance) || errors.Is(err, db.ErrUserNotFound) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		h.log.Error("failed to adjust balance", "address", req.Address, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Balance adjustment failed",
		})
	}

	return c.JSON(fiber.Map{"applied": applied})
}

// allowlisted reports whether the address bypasses balance checks.
func (h *BalanceHandler) allowlisted(address string) bool {
	for _, addr := range h.config.Upload.AllowListedAddresses {
		if strings.EqualFold(addr, address) {
			return true
		}
	}
	return false
}
