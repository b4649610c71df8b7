package handlers

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v3"

	"permagate/internal/bundler"
	"permagate/internal/config"
	"permagate/internal/payclient"
	"permagate/internal/x402"
)

// PaymentHeader is the x402 authorization header on paid uploads.
const PaymentHeader = "X-Payment"

// PaymentResponseHeader carries the settled payment receipt back to the
// client on a successful paid upload.
const PaymentResponseHeader = "X-Payment-Response"

// PaymentRequiredHeader marks 402 responses with the protocol version.
const PaymentRequiredHeader = "X-Payment-Required"

// PaymentRequiredValue is the x402 protocol tag for 402 responses.
const PaymentRequiredValue = "x402-1"

// UploadHandler handles data item ingress
type UploadHandler struct {
	config *config.Config
	engine *bundler.Engine
	log    *slog.Logger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(cfg *config.Config, engine *bundler.Engine, log *slog.Logger) *UploadHandler {
	return &UploadHandler{
		config: cfg,
		engine: engine,
		log:    log,
	}
}

// RegisterRoutes registers upload routes. The multipart routes must be
// registered before these so the literal "multipart" segment is not
// swallowed by the token parameter.
func (h *UploadHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/v1/tx", h.PostTx)
	app.Post("/v1/tx/:token", h.PostRawTx)
}

// PostTx ingests one signed ANS-104 data item
// @Summary Upload a signed data item
// @Description Streams a signed ANS-104 data item into permanent storage. Charged against the owner's credit balance, or settled via an x402 USDC payment when an X-Payment header is present.
// @Tags upload
// @Accept octet-stream
// @Produce json
// @Param X-Payment header string false "Base64 x402 payment authorization"
// @Success 200 {object} arweave.Receipt
// @Failure 400 {object} map[string]string
// @Failure 402 {object} x402.PaymentRequiredResponse
// @Failure 403 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Router /v1/tx [post]
func (h *UploadHandler) PostTx(c fiber.Ctx) error {
	params := bundler.IngestParams{
		Body:         requestBody(c),
		DeclaredSize: declaredSize(c),
	}

	if header := c.Get(PaymentHeader); header != "" {
		if params.DeclaredSize < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Content-Length is required for x402 payments",
			})
		}
		payload, err := x402.DecodePaymentHeader(header)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid X-Payment header: " + err.Error(),
			})
		}
		mode := c.Query("mode")
		if mode != "" && mode != "payg" && mode != "hybrid" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid mode. Must be 'payg' or 'hybrid'",
			})
		}
		params.X402 = &bundler.X402Payment{
			Header:  header,
			Address: payload.Payload.Authorization.From,
			Mode:    mode,
		}
	}

	result, err := h.engine.Ingest(c.Context(), params)
	if err != nil {
		return h.ingestError(c, err)
	}

	if result.Payment != nil {
		c.Set(PaymentResponseHeader, x402.EncodeReceiptHeader(x402.PaymentReceipt{
			PaymentID: result.Payment.PaymentID,
			TxHash:    result.Payment.TxHash,
			Network:   result.Payment.Network,
			Mode:      result.Payment.Mode,
		}))
	}
	return c.JSON(result.Receipt)
}

// PostRawTx ingests a raw payload and wraps it in a service-signed envelope
// @Summary Upload raw data with an x402 payment
// @Description Accepts arbitrary bytes, wraps them in a data item signed by the service wallet, and settles the cost from the attached x402 payment. The token names the currency and network, e.g. usdc-base.
// @Tags upload
// @Accept octet-stream
// @Produce json
// @Param token path string true "Payment token, <currency>-<network>"
// @Param X-Payment header string true "Base64 x402 payment authorization"
// @Success 200 {object} arweave.Receipt
// @Failure 400 {object} map[string]string
// @Failure 402 {object} x402.PaymentRequiredResponse
// @Failure 413 {object} map[string]string
// @Router /v1/tx/{token} [post]
func (h *UploadHandler) PostRawTx(c fiber.Ctx) error {
	currency, network, ok := splitPaymentToken(c.Params("token"))
	if !ok || currency != "usdc" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid payment token, expected usdc-<network>",
		})
	}

	header := c.Get(PaymentHeader)
	if header == "" {
		c.Set(PaymentRequiredHeader, PaymentRequiredValue)
		return c.Status(fiber.StatusPaymentRequired).JSON(x402.PaymentRequiredResponse{
			X402Version: x402.Version,
			Error:       "X-Payment header is required",
		})
	}
	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid X-Payment header: " + err.Error(),
		})
	}
	if payload.Network != network {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Payment network does not match the token",
		})
	}

	size := declaredSize(c)
	if size < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Content-Length is required for raw uploads",
		})
	}
	mode := c.Query("mode")
	if mode != "" && mode != "payg" && mode != "hybrid" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid mode. Must be 'payg' or 'hybrid'",
		})
	}

	contentType := c.Get(fiber.HeaderContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ru, err := h.engine.WrapRawUpload(c.Context(), requestBody(c), size, contentType)
	if err != nil {
		return h.ingestError(c, err)
	}

	result, err := h.engine.PayAndCommitRawUpload(c.Context(), ru, bundler.X402Payment{
		Header:  header,
		Address: payload.Payload.Authorization.From,
		Mode:    mode,
	})
	if err != nil {
		return h.ingestError(c, err)
	}

	if result.Payment != nil {
		c.Set(PaymentResponseHeader, x402.EncodeReceiptHeader(x402.PaymentReceipt{
			PaymentID: result.Payment.PaymentID,
			TxHash:    result.Payment.TxHash,
			Network:   result.Payment.Network,
			Mode:      result.Payment.Mode,
		}))
	}
	return c.JSON(result.Receipt)
}

// ingestError maps pipeline rejections onto response codes. Payment
// service 402 bodies are relayed verbatim so the accepts list reaches
// the client unchanged.
func (h *UploadHandler) ingestError(c fiber.Ctx, err error) error {
	var payErr *payclient.PaymentRequiredError
	if errors.As(err, &payErr) {
		c.Set(PaymentRequiredHeader, PaymentRequiredValue)
		return c.Status(fiber.StatusPaymentRequired).JSON(payErr.Response)
	}
	var apiErr *payclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return c.Status(apiErr.Status).JSON(fiber.Map{"error": apiErr.Message})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Payment service unavailable",
		})
	}

	switch {
	case errors.Is(err, bundler.ErrItemInvalid),
		errors.Is(err, bundler.ErrBadSignature),
		errors.Is(err, bundler.ErrSizeMismatch):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, bundler.ErrOwnerBlocked):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, bundler.ErrItemTooLarge):
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, bundler.ErrInsufficientFunds):
		c.Set(PaymentRequiredHeader, PaymentRequiredValue)
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": err.Error()})
	}

	h.log.Error("ingest failed", "error", err, "path", c.Path())
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Upload failed",
	})
}

// requestBody returns the request body as a stream when fiber buffered
// it lazily, falling back to the in-memory bytes otherwise.
func requestBody(c fiber.Ctx) io.Reader {
	if c.Request().IsBodyStream() {
		return c.Request().BodyStream()
	}
	return bytes.NewReader(c.Body())
}

// declaredSize reads the Content-Length, mapping chunked transfers to -1.
func declaredSize(c fiber.Ctx) int64 {
	n := c.Request().Header.ContentLength()
	if n < 0 {
		return -1
	}
	return int64(n)
}

// splitPaymentToken parses a <currency>-<network> route token. Network
// names may themselves contain dashes (base-sepolia), so only the first
// segment is the currency.
func splitPaymentToken(token string) (currency, network string, ok bool) {
	currency, network, found := strings.Cut(token, "-")
	if !found || currency == "" || network == "" {
		return "", "", false
	}
	return strings.ToLower(currency), strings.ToLower(network), true
}
