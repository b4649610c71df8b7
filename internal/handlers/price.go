package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"permagate/internal/ans104"
	"permagate/internal/config"
	"permagate/internal/payclient"
	"permagate/internal/x402"
)

// quoteProbeAddress stands in for the payer on price probes. The quoted
// amount does not depend on who pays.
const quoteProbeAddress = "0x0000000000000000000000000000000000000000"

// extraTagAllowance is the envelope bytes budgeted per declared tag when
// quoting a raw upload. Tag names and values are unknown at quote time.
const extraTagAllowance = 64

// maxQuoteTags bounds the declared tag count on raw quotes.
const maxQuoteTags = 128

// PriceHandler proxies x402 quotes from the payment service
type PriceHandler struct {
	config *config.Config
	pay    *payclient.Client
	log    *slog.Logger
}

// NewPriceHandler creates a new price handler
func NewPriceHandler(cfg *config.Config, pay *payclient.Client, log *slog.Logger) *PriceHandler {
	return &PriceHandler{config: cfg, pay: pay, log: log}
}

// RegisterRoutes registers price routes
func (h *PriceHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/v1/price/x402/data-item/:token/:byteCount", h.QuoteDataItem)
	app.Get("/v1/price/x402/data/:token/:byteCount", h.QuoteData)
}

// QuoteDataItem quotes a pre-signed data item upload
// @Summary Quote an exact data item
// @Description Returns the x402 payment requirements for uploading a signed data item of the given size. Quotes answer 402 so x402 clients can consume them directly.
// @Tags price
// @Produce json
// @Param token path string true "Payment token, <currency>-<network>"
// @Param byteCount path int true "Total data item size in bytes"
// @Success 402 {object} x402.PaymentRequiredResponse
// @Failure 400 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/price/x402/data-item/{token}/{byteCount} [get]
func (h *PriceHandler) QuoteDataItem(c fiber.Ctx) error {
	network, byteCount, errResp := h.quoteParams(c)
	if errResp != nil {
		return errResp
	}
	// Items paid over x402 are nearly always signed with the payer's
	// ethereum key; the quote prices that envelope overhead.
	return h.relayQuote(c, network, ans104.SignatureEthereum.String(), byteCount)
}

// QuoteData quotes a raw upload including the service envelope
// @Summary Quote a raw upload
// @Description Returns the x402 payment requirements for uploading raw bytes. The quote covers the payload plus the service-signed envelope, sized from the declared tag count and content type.
// @Tags price
// @Produce json
// @Param token path string true "Payment token, <currency>-<network>"
// @Param byteCount path int true "Raw payload size in bytes"
// @Param tags query int false "Number of additional tags"
// @Param contentType query string false "Payload content type"
// @Success 402 {object} x402.PaymentRequiredResponse
// @Failure 400 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /v1/price/x402/data/{token}/{byteCount} [get]
func (h *PriceHandler) QuoteData(c fiber.Ctx) error {
	network, byteCount, errResp := h.quoteParams(c)
	if errResp != nil {
		return errResp
	}

	numTags := 0
	if raw := c.Query("tags"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxQuoteTags {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "tags must be between 0 and 128",
			})
		}
		numTags = n
	}

	var tags []ans104.Tag
	if contentType := c.Query("contentType"); contentType != "" {
		tags = append(tags, ans104.Tag{Name: "Content-Type", Value: contentType})
	}
	tagBytes := int64(numTags) * extraTagAllowance
	if len(tags) > 0 {
		encoded, err := ans104.EncodeTags(tags)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid contentType",
			})
		}
		tagBytes += int64(len(encoded))
	}

	// The raw path wraps payloads in an envelope signed by the service's
	// arweave wallet; the payment service adds that base header, the tag
	// section is added here.
	return h.relayQuote(c, network, ans104.SignatureArweave.String(), byteCount+tagBytes)
}

// quoteParams validates the token and byte count shared by both routes.
// A non-nil error return is the already-written response.
func (h *PriceHandler) quoteParams(c fiber.Ctx) (network string, byteCount int64, errResp error) {
	currency, network, ok := splitPaymentToken(c.Params("token"))
	if !ok || currency != "usdc" {
		return "", 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid payment token, expected usdc-<network>",
		})
	}

	byteCount, err := strconv.ParseInt(c.Params("byteCount"), 10, 64)
	if err != nil || byteCount <= 0 {
		return "", 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid byte count",
		})
	}
	if byteCount > h.config.Upload.MaxDataItemSize {
		return "", 0, c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Byte count exceeds the upload limit",
		})
	}
	return network, byteCount, nil
}

// relayQuote fetches the quote from the payment service and narrows the
// accepts list to the requested network.
func (h *PriceHandler) relayQuote(c fiber.Ctx, network, sigType string, byteCount int64) error {
	quote, err := h.pay.QuoteX402(c.Context(), sigType, quoteProbeAddress, byteCount)
	if err != nil {
		var apiErr *payclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return c.Status(apiErr.Status).JSON(fiber.Map{"error": apiErr.Message})
		}
		h.log.Error("failed to fetch x402 quote", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Payment service unavailable",
		})
	}

	filtered := quote.Accepts[:0:0]
	for _, req := range quote.Accepts {
		if req.Network == network {
			filtered = append(filtered, req)
		}
	}
	if len(filtered) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Payment network " + network + " is not enabled",
		})
	}

	c.Set(PaymentRequiredHeader, PaymentRequiredValue)
	return c.Status(fiber.StatusPaymentRequired).JSON(x402.PaymentRequiredResponse{
		X402Version: quote.X402Version,
		Accepts:     filtered,
	})
}
