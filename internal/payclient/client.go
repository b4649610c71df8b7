// Package payclient is the upload service's typed client for the payment
// service's internal HTTP API: balance checks, reservations, ledger
// adjustments, and the x402 verify/settle/finalize passthrough.
package payclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"permagate/internal/ans104"
	"permagate/internal/config"
	"permagate/internal/winston"
	"permagate/internal/x402"
)

// ErrNoX402Payment is returned by FinalizeX402Payment when the data item
// has no pending x402 payment. Credit-path uploads hit this on every
// finalization; callers fall back to consuming the balance reservation.
var ErrNoX402Payment = errors.New("no pending x402 payment for data item")

// APIError is a non-2xx response from the payment service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// PaymentRequiredError carries a 402 quote body back to the ingress
// handler so it can be relayed to the client verbatim.
type PaymentRequiredError struct {
	Response *x402.PaymentRequiredResponse
}

func (e *PaymentRequiredError) Error() string {
	if e.Response != nil && e.Response.Error != "" {
		return "payment required: " + e.Response.Error
	}
	return "payment required"
}

// Client calls the payment service. Internal routes authenticate with the
// shared bearer secret.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// New creates a payment service client.
func New(cfg config.PaymentConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secret:     cfg.InternalSecret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// doRequest performs one JSON round trip against the payment service.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, headers map[string]string, expectedStatus int, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payment service request failed: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read payment service response: %w", err)
	}

	if resp.StatusCode != expectedStatus {
		return c.statusError(resp.StatusCode, method, endpoint, respData)
	}

	if respBody != nil {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return fmt.Errorf("failed to parse payment service response: %w", err)
		}
	}
	return nil
}

// statusError maps an unexpected status to a typed error. A 402 with a
// quote body becomes *PaymentRequiredError; everything else becomes
// *APIError with the service's error message when one was sent.
func (c *Client) statusError(status int, method, endpoint string, respData []byte) error {
	if status == http.StatusPaymentRequired {
		quote := &x402.PaymentRequiredResponse{}
		if json.Unmarshal(respData, quote) == nil && (len(quote.Accepts) > 0 || quote.Error != "") {
			return &PaymentRequiredError{Response: quote}
		}
	}

	var errResp errorResponse
	if json.Unmarshal(respData, &errResp) == nil && errResp.Error != "" {
		return &APIError{
			Status:  status,
			Message: fmt.Sprintf("payment service error (%d %s %s): %s", status, method, endpoint, errResp.Error),
		}
	}

	preview := string(respData)
	if len(preview) > 200 {
		preview = preview[:200] + "..."
	}
	return &APIError{
		Status:  status,
		Message: fmt.Sprintf("unexpected status %d from %s %s: %s", status, method, endpoint, preview),
	}
}

// CheckBalanceParams identifies the account and upload to price.
type CheckBalanceParams struct {
	Address     string               `json:"address"`
	AddressType string               `json:"addressType"`
	ByteCount   int64                `json:"byteCount"`
	SigType     ans104.SignatureType `json:"sigType"`
}

// CheckBalanceResult reports whether the account can afford the upload.
type CheckBalanceResult struct {
	Sufficient        bool            `json:"sufficient"`
	BytesCostInWinc   winston.Winston `json:"bytesCostInWinc"`
	UserBalanceInWinc winston.Winston `json:"userBalanceInWinc"`
	UserAddress       string          `json:"userAddress"`
}

// CheckBalance prices an upload against the account's credit balance
// without reserving anything.
func (c *Client) CheckBalance(ctx context.Context, params CheckBalanceParams) (*CheckBalanceResult, error) {
	var result CheckBalanceResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/check-balance", nil, http.StatusOK, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReserveBalanceParams identifies the data item to reserve credits for.
type ReserveBalanceParams struct {
	DataItemID  string               `json:"dataItemId"`
	Address     string               `json:"address"`
	AddressType string               `json:"addressType"`
	ByteCount   int64                `json:"byteCount"`
	SigType     ans104.SignatureType `json:"sigType"`
}

// ReserveBalanceResult reports the reservation outcome. IsReserved false
// with WalletExists true means the balance was insufficient.
type ReserveBalanceResult struct {
	IsReserved     bool            `json:"isReserved"`
	CostOfDataItem winston.Winston `json:"costOfDataItem"`
	WalletExists   bool            `json:"walletExists"`
}

// ReserveBalance atomically debits the account and records a reservation
// for the data item. Repeating the call for the same data item is a no-op.
func (c *Client) ReserveBalance(ctx context.Context, params ReserveBalanceParams) (*ReserveBalanceResult, error) {
	var result ReserveBalanceResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/reserve-balance", nil, http.StatusOK, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FinalizeReservationResult reports what happened to the reservation:
// "consumed", "cancelled" or "not_found".
type FinalizeReservationResult struct {
	Status string `json:"status"`
}

// FinalizeReservation consumes the reservation for a data item, or cancels
// it (crediting the amount back) when cancel is set. Missing reservations
// report "not_found" rather than an error; at-least-once workers treat
// that as already done.
func (c *Client) FinalizeReservation(ctx context.Context, dataItemID string, cancel bool) (*FinalizeReservationResult, error) {
	req := struct {
		DataItemID string `json:"dataItemId"`
		Cancel     bool   `json:"cancel,omitempty"`
	}{DataItemID: dataItemID, Cancel: cancel}

	var result FinalizeReservationResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/finalize-reservation", nil, http.StatusOK, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AdjustBalanceParams is one signed ledger mutation.
type AdjustBalanceParams struct {
	Address      string          `json:"address"`
	AddressType  string          `json:"addressType"`
	Delta        winston.Winston `json:"delta"`
	ChangeReason string          `json:"changeReason"`
	ChangeID     string          `json:"changeId,omitempty"`
}

// AdjustBalance applies a signed credit delta through the payment ledger.
// Returns whether the change was applied; false means the changeId was
// seen before.
func (c *Client) AdjustBalance(ctx context.Context, params AdjustBalanceParams) (bool, error) {
	var result struct {
		Applied bool `json:"applied"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/adjust-balance", nil, http.StatusOK, params, &result); err != nil {
		return false, err
	}
	return result.Applied, nil
}

// QuoteX402 fetches the 402 quote body for byteCount bytes. The quote
// endpoint answers 402 by design, so that status is the success case here.
func (c *Client) QuoteX402(ctx context.Context, sigType, address string, byteCount int64) (*x402.PaymentRequiredResponse, error) {
	endpoint := fmt.Sprintf("/v1/x402/price/%s/%s?bytes=%d", sigType, address, byteCount)
	var quote x402.PaymentRequiredResponse
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, http.StatusPaymentRequired, nil, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// X402PaymentParams forwards a client's X-PAYMENT authorization for a data
// item. SigType is the signature type token used in the route path.
type X402PaymentParams struct {
	SigType       string
	Address       string
	PaymentHeader string
	DataItemID    string
	ByteCount     int64
	// Mode selects payg, topup or hybrid. Empty means hybrid.
	Mode string
}

// X402PaymentResult is the settled payment receipt.
type X402PaymentResult struct {
	PaymentID  string          `json:"paymentId"`
	TxHash     string          `json:"txHash"`
	Network    string          `json:"network"`
	Mode       string          `json:"mode"`
	WincAmount winston.Winston `json:"wincAmount"`
}

// CreateX402Payment verifies and settles an X-PAYMENT authorization for a
// data item. A 402 from the payment service comes back as
// *PaymentRequiredError for the caller to relay.
func (c *Client) CreateX402Payment(ctx context.Context, params X402PaymentParams) (*X402PaymentResult, error) {
	endpoint := fmt.Sprintf("/v1/x402/payment/%s/%s", params.SigType, params.Address)
	req := struct {
		DataItemID string `json:"dataItemId"`
		ByteCount  int64  `json:"byteCount"`
		Mode       string `json:"mode,omitempty"`
	}{DataItemID: params.DataItemID, ByteCount: params.ByteCount, Mode: params.Mode}

	headers := map[string]string{"X-Payment": params.PaymentHeader}

	var result X402PaymentResult
	if err := c.doRequest(ctx, http.MethodPost, endpoint, headers, http.StatusOK, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// X402FinalizeResult is the reconciliation outcome for a paid data item.
type X402FinalizeResult struct {
	PaymentID  string          `json:"paymentId"`
	Status     string          `json:"status"`
	RefundWinc winston.Winston `json:"refundWinc"`
}

// FinalizeX402Payment reconciles declared against actual bytes once the
// item reaches its terminal state. ErrNoX402Payment means the item was not
// paid via x402.
func (c *Client) FinalizeX402Payment(ctx context.Context, dataItemID string, actualByteCount int64) (*X402FinalizeResult, error) {
	req := struct {
		DataItemID      string `json:"dataItemId"`
		ActualByteCount int64  `json:"actualByteCount"`
	}{DataItemID: dataItemID, ActualByteCount: actualByteCount}

	var result X402FinalizeResult
	err := c.doRequest(ctx, http.MethodPost, "/v1/x402/finalize", nil, http.StatusOK, req, &result)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, ErrNoX402Payment
		}
		return nil, err
	}
	return &result, nil
}
