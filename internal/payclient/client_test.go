package payclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/ans104"
	"permagate/internal/config"
)

const paymentURL = "https://payment.test"

func newTestClient() *Client {
	return New(config.PaymentConfig{
		BaseURL:        paymentURL,
		InternalSecret: "an-internal-secret-of-sufficient-length",
		Timeout:        5 * time.Second,
	})
}

func TestCheckBalance(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var gotAuth string
	httpmock.RegisterResponder("POST", paymentURL+"/v1/check-balance",
		func(req *http.Request) (*http.Response, error) {
			gotAuth = req.Header.Get("Authorization")

			var body CheckBalanceParams
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, int64(4096), body.ByteCount)
			assert.Equal(t, ans104.SignatureArweave, body.SigType)

			return httpmock.NewJsonResponse(200, map[string]interface{}{
				"sufficient":        true,
				"bytesCostInWinc":   "4200000",
				"userBalanceInWinc": "9000000",
				"userAddress":       body.Address,
			})
		})

	client := newTestClient()
	result, err := client.CheckBalance(context.Background(), CheckBalanceParams{
		Address:     "owner-address",
		AddressType: "arweave",
		ByteCount:   4096,
		SigType:     ans104.SignatureArweave,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer an-internal-secret-of-sufficient-length", gotAuth)
	assert.True(t, result.Sufficient)
	assert.Equal(t, "4200000", result.BytesCostInWinc.String())
	assert.Equal(t, "9000000", result.UserBalanceInWinc.String())
	assert.Equal(t, "owner-address", result.UserAddress)
}

func TestReserveBalance_Insufficient(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentURL+"/v1/reserve-balance",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"isReserved":     false,
			"costOfDataItem": "4200000",
			"walletExists":   true,
		}))

	client := newTestClient()
	result, err := client.ReserveBalance(context.Background(), ReserveBalanceParams{
		DataItemID:  "item-1",
		Address:     "owner-address",
		AddressType: "arweave",
		ByteCount:   4096,
		SigType:     ans104.SignatureArweave,
	})
	require.NoError(t, err)

	assert.False(t, result.IsReserved)
	assert.True(t, result.WalletExists)
	assert.Equal(t, "4200000", result.CostOfDataItem.String())
}

func TestFinalizeReservation_Cancel(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentURL+"/v1/finalize-reservation",
		func(req *http.Request) (*http.Response, error) {
			var body struct {
				DataItemID string `json:"dataItemId"`
				Cancel     bool   `json:"cancel"`
			}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "item-1", body.DataItemID)
			assert.True(t, body.Cancel)

			return httpmock.NewJsonResponse(200, map[string]interface{}{"status": "cancelled"})
		})

	client := newTestClient()
	result, err := client.FinalizeReservation(context.Background(), "item-1", true)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", result.Status)
}

func TestAdjustBalance_DuplicateChangeID(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentURL+"/v1/adjust-balance",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{"applied": false}))

	client := newTestClient()
	applied, err := client.AdjustBalance(context.Background(), AdjustBalanceParams{
		Address:      "owner-address",
		AddressType:  "arweave",
		ChangeReason: "admin_credit",
		ChangeID:     "credit-42",
	})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestQuoteX402_TreatsPaymentRequiredAsSuccess(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", paymentURL+"/v1/x402/price/ethereum/0xabc?bytes=4096",
		httpmock.NewJsonResponderOrPanic(402, map[string]interface{}{
			"x402Version": 1,
			"accepts": []map[string]interface{}{{
				"scheme":            "exact",
				"network":           "base-sepolia",
				"maxAmountRequired": "25000",
				"payTo":             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			}},
		}))

	client := newTestClient()
	quote, err := client.QuoteX402(context.Background(), "ethereum", "0xabc", 4096)
	require.NoError(t, err)

	require.Len(t, quote.Accepts, 1)
	assert.Equal(t, "base-sepolia", quote.Accepts[0].Network)
	assert.Equal(t, "25000", quote.Accepts[0].MaxAmountRequired)
}

func TestCreateX402Payment_ForwardsPaymentHeader(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var gotPayment string
	httpmock.RegisterResponder("POST", paymentURL+"/v1/x402/payment/ethereum/0xabc",
		func(req *http.Request) (*http.Response, error) {
			gotPayment = req.Header.Get("X-Payment")

			var body struct {
				DataItemID string `json:"dataItemId"`
				ByteCount  int64  `json:"byteCount"`
				Mode       string `json:"mode"`
			}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "item-1", body.DataItemID)
			assert.Equal(t, int64(4096), body.ByteCount)
			assert.Equal(t, "hybrid", body.Mode)

			return httpmock.NewJsonResponse(200, map[string]interface{}{
				"paymentId":  "b7b6e6f0-0000-0000-0000-000000000001",
				"txHash":     "0xdeadbeef",
				"network":    "base-sepolia",
				"mode":       "hybrid",
				"wincAmount": "4200000",
			})
		})

	client := newTestClient()
	result, err := client.CreateX402Payment(context.Background(), X402PaymentParams{
		SigType:       "ethereum",
		Address:       "0xabc",
		PaymentHeader: "b64-payment-envelope",
		DataItemID:    "item-1",
		ByteCount:     4096,
		Mode:          "hybrid",
	})
	require.NoError(t, err)

	assert.Equal(t, "b64-payment-envelope", gotPayment)
	assert.Equal(t, "0xdeadbeef", result.TxHash)
	assert.Equal(t, "4200000", result.WincAmount.String())
}

func TestCreateX402Payment_RelaysQuoteOn402(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentURL+"/v1/x402/payment/ethereum/0xabc",
		httpmock.NewJsonResponderOrPanic(402, map[string]interface{}{
			"x402Version": 1,
			"accepts": []map[string]interface{}{{
				"scheme":            "exact",
				"network":           "base-sepolia",
				"maxAmountRequired": "25000",
			}},
			"error": "authorized value 10 is below the required 25000",
		}))

	client := newTestClient()
	_, err := client.CreateX402Payment(context.Background(), X402PaymentParams{
		SigType:       "ethereum",
		Address:       "0xabc",
		PaymentHeader: "b64-payment-envelope",
		DataItemID:    "item-1",
		ByteCount:     4096,
	})
	require.Error(t, err)

	var payErr *PaymentRequiredError
	require.True(t, errors.As(err, &payErr))
	require.NotNil(t, payErr.Response)
	assert.Len(t, payErr.Response.Accepts, 1)
	assert.Contains(t, payErr.Error(), "below the required")
}

func TestFinalizeX402Payment_MapsNotFound(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentURL+"/v1/x402/finalize",
		httpmock.NewJsonResponderOrPanic(404, map[string]interface{}{
			"error": "x402 payment not found",
		}))

	client := newTestClient()
	_, err := client.FinalizeX402Payment(context.Background(), "item-1", 4096)
	assert.ErrorIs(t, err, ErrNoX402Payment)
}

func TestFinalizeX402Payment_Success(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentURL+"/v1/x402/finalize",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"paymentId":  "b7b6e6f0-0000-0000-0000-000000000001",
			"status":     "refunded",
			"refundWinc": "120000",
		}))

	client := newTestClient()
	result, err := client.FinalizeX402Payment(context.Background(), "item-1", 2048)
	require.NoError(t, err)
	assert.Equal(t, "refunded", result.Status)
	assert.Equal(t, "120000", result.RefundWinc.String())
}

func TestErrorBodyPassthrough(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", paymentURL+"/v1/check-balance",
		httpmock.NewJsonResponderOrPanic(500, map[string]interface{}{
			"error": "database unavailable",
		}))

	client := newTestClient()
	_, err := client.CheckBalance(context.Background(), CheckBalanceParams{Address: "a"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Status)
	assert.Contains(t, err.Error(), "database unavailable")
}
