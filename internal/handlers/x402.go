package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"permagate/internal/ans104"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/winston"
	"permagate/internal/x402"
)

// X402Handler handles x402 quote, settlement, and finalization endpoints.
// These routes are public: the X-Payment header is self-authorizing, so
// anyone holding a signed EIP-3009 authorization can settle it.
type X402Handler struct {
	config *config.Config
	db     *db.DB
	engine *x402.Engine
	log    *slog.Logger
}

// NewX402Handler creates a new x402 handler
func NewX402Handler(cfg *config.Config, database *db.DB, engine *x402.Engine, log *slog.Logger) *X402Handler {
	return &X402Handler{
		config: cfg,
		db:     database,
		engine: engine,
		log:    log,
	}
}

// X402PaymentRequest binds the settlement body. Mode defaults to hybrid.
type X402PaymentRequest struct {
	DataItemID string `json:"dataItemId"`
	ByteCount  int64  `json:"byteCount"`
	Mode       string `json:"mode"`
}

// X402PaymentResponse reports a settled payment.
type X402PaymentResponse struct {
	PaymentID  uuid.UUID          `json:"paymentId"`
	TxHash     string             `json:"txHash"`
	Network    string             `json:"network"`
	Mode       db.X402PaymentMode `json:"mode"`
	WincAmount winston.Winston    `json:"wincAmount"`
}

// X402FinalizeRequest reconciles a payment against the stored byte count.
type X402FinalizeRequest struct {
	DataItemID      string `json:"dataItemId"`
	ActualByteCount int64  `json:"actualByteCount"`
}

// X402FinalizeResponse reports the finalization verdict.
type X402FinalizeResponse struct {
	PaymentID  uuid.UUID            `json:"paymentId"`
	Status     db.X402PaymentStatus `json:"status"`
	RefundWinc winston.Winston      `json:"refundWinc"`
}

// TopUpRequest optionally sizes the quote returned when no payment header
// is presented.
type TopUpRequest struct {
	ByteCount int64 `json:"byteCount"`
}

// RegisterRoutes registers x402 routes
func (h *X402Handler) RegisterRoutes(app *fiber.App) {
	app.Get("/v1/x402/price/:sigType/:address", h.Quote)
	app.Post("/v1/x402/payment/:sigType/:address", h.Payment)
	app.Post("/v1/x402/top-up/:sigType/:address", h.TopUp)
	app.Post("/v1/x402/finalize", h.Finalize)
}

// Quote prices an upload for x402 payment
// @Summary Quote an upload in USDC
// @Description Always answers 402 with one accepts entry per enabled network, priced for the requested byte count.
// @Tags x402
// @Produce json
// @Param sigType path string true "Signature type of the upload"
// @Param address path string true "Paying address"
// @Param bytes query int true "Byte count to price"
// @Success 402 {object} x402.PaymentRequiredResponse
// @Failure 400 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/x402/price/{sigType}/{address} [get]
func (h *X402Handler) Quote(c fiber.Ctx) error {
	sigType, err := ans104.ParseSignatureType(c.Params("sigType"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid signature type",
		})
	}

	byteCount, err := strconv.ParseInt(c.Query("bytes"), 10, 64)
	if err != nil || byteCount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid byte count",
		})
	}

	resource := "/v1/x402/payment/" + sigType.String() + "/" + c.Params("address")
	return h.paymentRequired(c, byteCount, sigType, resource, "")
}

// Payment verifies and settles an x402 payment
// @Summary Settle an x402 payment
// @Description Decodes the X-Payment header, verifies the EIP-3009 authorization, settles through the facilitator, and applies the winston per the payment mode.
// @Tags x402
// @Accept json
// @Produce json
// @Param sigType path string true "Signature type of the upload"
// @Param address path string true "Paying address"
// @Param X-Payment header string true "Base64 x402 payment payload"
// @Param request body X402PaymentRequest true "Data item and byte count"
// @Success 200 {object} X402PaymentResponse
// @Failure 400 {object} map[string]string
// @Failure 402 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/x402/payment/{sigType}/{address} [post]
func (h *X402Handler) Payment(c fiber.Ctx) error {
	sigType, err := ans104.ParseSignatureType(c.Params("sigType"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid signature type",
		})
	}

	var req X402PaymentRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	mode := req.Mode
	if mode == "" {
		mode = string(db.X402ModeHybrid)
	}
	switch db.X402PaymentMode(mode) {
	case db.X402ModePayg, db.X402ModeTopup, db.X402ModeHybrid:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid mode. Must be 'payg', 'topup' or 'hybrid'",
		})
	}
	if db.X402PaymentMode(mode) != db.X402ModeTopup {
		if req.DataItemID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "dataItemId is required unless mode is 'topup'",
			})
		}
		if req.ByteCount <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "A positive byteCount is required unless mode is 'topup'",
			})
		}
	}

	header := c.Get(PaymentHeader)
	if header == "" {
		byteCount := req.ByteCount
		if byteCount <= 0 {
			byteCount = 1
		}
		return h.paymentRequired(c, byteCount, sigType, c.Path(), "X-Payment header is required")
	}

	params := x402.ChargeParams{
		Header:          header,
		Mode:            db.X402PaymentMode(mode),
		UserAddress:     c.Params("address"),
		UserAddressType: sigType.String(),
		SigType:         sigType,
		Resource:        c.Path(),
	}
	if req.DataItemID != "" {
		params.DataItemID = &req.DataItemID
	}
	if req.ByteCount > 0 {
		params.DeclaredByteCount = &req.ByteCount
	}

	payment, err := h.engine.Charge(c.Context(), params)
	if err != nil {
		return h.chargeError(c, err)
	}

	return c.JSON(X402PaymentResponse{
		PaymentID:  payment.ID,
		TxHash:     payment.TxHash,
		Network:    payment.Network,
		Mode:       payment.Mode,
		WincAmount: payment.WincAmount,
	})
}

// TopUp settles an x402 payment straight into the credit balance
// @Summary Top up a credit balance
// @Description Settles the X-Payment authorization and credits the full winston value to the address. No data item is involved.
// @Tags x402
// @Accept json
// @Produce json
// @Param sigType path string true "Address type of the account"
// @Param address path string true "Account address"
// @Param X-Payment header string true "Base64 x402 payment payload"
// @Success 200 {object} X402PaymentResponse
// @Failure 400 {object} map[string]string
// @Failure 402 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/x402/top-up/{sigType}/{address} [post]
func (h *X402Handler) TopUp(c fiber.Ctx) error {
	sigType, err := ans104.ParseSignatureType(c.Params("sigType"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid signature type",
		})
	}

	// The body is optional; byteCount only sizes the quote on a 402.
	var req TopUpRequest
	_ = c.Bind().Body(&req)

	header := c.Get(PaymentHeader)
	if header == "" {
		byteCount := req.ByteCount
		if byteCount <= 0 {
			byteCount = 1
		}
		return h.paymentRequired(c, byteCount, sigType, c.Path(), "X-Payment header is required")
	}

	payment, err := h.engine.Charge(c.Context(), x402.ChargeParams{
		Header:          header,
		Mode:            db.X402ModeTopup,
		UserAddress:     c.Params("address"),
		UserAddressType: sigType.String(),
		SigType:         sigType,
		Resource:        c.Path(),
	})
	if err != nil {
		return h.chargeError(c, err)
	}

	return c.JSON(X402PaymentResponse{
		PaymentID:  payment.ID,
		TxHash:     payment.TxHash,
		Network:    payment.Network,
		Mode:       payment.Mode,
		WincAmount: payment.WincAmount,
	})
}

// Finalize reconciles an x402 payment with the bytes actually stored
// @Summary Finalize an x402 payment
// @Description Re-prices the payment at the actual byte count and confirms, refunds, or penalizes it.
// @Tags x402
// @Accept json
// @Produce json
// @Param request body X402FinalizeRequest true "Data item and stored byte count"
// @Success 200 {object} X402FinalizeResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /v1/x402/finalize [post]
func (h *X402Handler) Finalize(c fiber.Ctx) error {
	var req X402FinalizeRequest
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
	if req.ActualByteCount < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "actualByteCount must not be negative",
		})
	}

	payment, err := h.db.GetX402PaymentByDataItemID(c.Context(), req.DataItemID)
	if err != nil {
		if errors.Is(err, db.ErrX402PaymentNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No x402 payment found for data item",
			})
		}
		h.log.Error("failed to load x402 payment", "data_item_id", req.DataItemID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Payment lookup failed",
		})
	}

	sigType, err := ans104.ParseSignatureType(payment.UserAddressType)
	if err != nil {
		h.log.Error("payment row has unknown address type",
			"payment_id", payment.ID, "address_type", payment.UserAddressType)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Payment finalize failed",
		})
	}

	result, err := h.engine.Finalize(c.Context(), req.DataItemID, req.ActualByteCount, sigType)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrX402PaymentNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No x402 payment found for data item",
			})
		case errors.Is(err, db.ErrX402AlreadyFinalized):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Payment already finalized",
			})
		}
		h.log.Error("failed to finalize x402 payment", "data_item_id", req.DataItemID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Payment finalize failed",
		})
	}

	return c.JSON(X402FinalizeResponse{
		PaymentID:  result.PaymentID,
		Status:     result.Status,
		RefundWinc: result.RefundWinc,
	})
}

// paymentRequired answers 402 with the accepts list for byteCount bytes.
func (h *X402Handler) paymentRequired(c fiber.Ctx, byteCount int64, sigType ans104.SignatureType, resource, hint string) error {
	resp, err := h.engine.Requirements(c.Context(), byteCount, sigType, resource)
	if err != nil {
		if errors.Is(err, x402.ErrNoNetworksEnabled) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "No x402 networks are enabled",
			})
		}
		h.log.Error("failed to build x402 quote", "byte_count", byteCount, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Pricing unavailable",
		})
	}
	resp.Error = hint

	c.Set(PaymentRequiredHeader, PaymentRequiredValue)
	return c.Status(fiber.StatusPaymentRequired).JSON(resp)
}

// chargeError maps engine charge failures onto HTTP statuses. Invalid or
// mismatched payments answer 402 so x402 clients retry with a fresh
// authorization.
func (h *X402Handler) chargeError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, x402.ErrPaymentInvalid), errors.Is(err, x402.ErrUnsupportedNetwork):
		c.Set(PaymentRequiredHeader, PaymentRequiredValue)
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, x402.ErrNoFacilitator), errors.Is(err, x402.ErrNoNetworksEnabled):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	h.log.Error("failed to settle x402 payment", "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Payment processing failed",
	})
}
