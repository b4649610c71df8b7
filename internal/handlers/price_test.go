package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/ans104"
	"permagate/internal/config"
	"permagate/internal/payclient"
	"permagate/internal/x402"
)

const priceTestPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

// fakeQuoteService answers every request with a two-network 402 quote and
// records the last path it served.
func fakeQuoteService(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	lastPath := new(string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*lastPath = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(x402.PaymentRequiredResponse{ //nolint:errcheck
			X402Version: x402.Version,
			Accepts: []x402.PaymentRequirements{
				{
					Scheme:            x402.SchemeExact,
					Network:           "base-sepolia",
					MaxAmountRequired: "4200",
					PayTo:             priceTestPayTo,
					Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
					MaxTimeoutSeconds: 300,
				},
				{
					Scheme:            x402.SchemeExact,
					Network:           "base",
					MaxAmountRequired: "4200",
					PayTo:             priceTestPayTo,
					Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
					MaxTimeoutSeconds: 300,
				},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, lastPath
}

func priceApp(payURL string) *fiber.App {
	cfg := &config.Config{
		Upload: config.UploadConfig{MaxDataItemSize: 10 * 1024 * 1024},
	}
	pay := payclient.New(config.PaymentConfig{
		BaseURL:        payURL,
		InternalSecret: internalTestSecret,
		Timeout:        5 * time.Second,
	})
	handler := NewPriceHandler(cfg, pay, slog.Default())

	app := fiber.New()
	handler.RegisterRoutes(app)
	return app
}

func TestQuoteDataItem_NarrowsToNetwork(t *testing.T) {
	srv, lastPath := fakeQuoteService(t)
	app := priceApp(srv.URL)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data-item/usdc-base-sepolia/1048576", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 402, resp.StatusCode)
	assert.Equal(t, PaymentRequiredValue, resp.Header.Get(PaymentRequiredHeader))

	var body x402.PaymentRequiredResponse
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)

	assert.Equal(t, x402.Version, body.X402Version)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "base-sepolia", body.Accepts[0].Network)
	assert.Equal(t, "4200", body.Accepts[0].MaxAmountRequired)

	// The item quote prices the ethereum envelope for the probe address.
	assert.Equal(t, "/v1/x402/price/ethereum/0x0000000000000000000000000000000000000000?bytes=1048576", *lastPath)
}

func TestQuoteDataItem_InvalidToken(t *testing.T) {
	srv, _ := fakeQuoteService(t)
	app := priceApp(srv.URL)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data-item/credits/1024", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 400, resp.StatusCode)

	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "Invalid payment token, expected usdc-<network>", body["error"])
}

func TestQuoteDataItem_InvalidByteCount(t *testing.T) {
	srv, _ := fakeQuoteService(t)
	app := priceApp(srv.URL)

	for _, count := range []string{"0", "-5", "abc"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data-item/usdc-base/"+count, nil))
		require.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode, count)
		resp.Body.Close()
	}
}

func TestQuoteDataItem_OverUploadLimit(t *testing.T) {
	srv, _ := fakeQuoteService(t)
	app := priceApp(srv.URL)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data-item/usdc-base/999999999999", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 413, resp.StatusCode)

	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "Byte count exceeds the upload limit", body["error"])
}

func TestQuoteDataItem_NetworkNotEnabled(t *testing.T) {
	srv, _ := fakeQuoteService(t)
	app := priceApp(srv.URL)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data-item/usdc-polygon/1024", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 400, resp.StatusCode)

	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "Payment network polygon is not enabled", body["error"])
}

func TestQuoteDataItem_PaymentServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"database down"}`) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)

	app := priceApp(srv.URL)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data-item/usdc-base/1024", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 503, resp.StatusCode)

	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "Payment service unavailable", body["error"])
}

func TestQuoteDataItem_RelaysClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"Invalid byte count"}`) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)

	app := priceApp(srv.URL)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data-item/usdc-base/1024", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 400, resp.StatusCode)

	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	require.NoError(t, err)
	assert.Contains(t, body["error"], "Invalid byte count")
}

func TestQuoteData_AddsEnvelopeAllowance(t *testing.T) {
	srv, lastPath := fakeQuoteService(t)
	app := priceApp(srv.URL)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data/usdc-base/4096?tags=10&contentType=text/html", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 402, resp.StatusCode)

	encoded, err := ans104.EncodeTags([]ans104.Tag{{Name: "Content-Type", Value: "text/html"}})
	require.NoError(t, err)
	wantBytes := int64(4096) + 10*extraTagAllowance + int64(len(encoded))

	// Raw uploads are wrapped in the service wallet's arweave envelope.
	want := fmt.Sprintf("/v1/x402/price/arweave/0x0000000000000000000000000000000000000000?bytes=%d", wantBytes)
	assert.Equal(t, want, *lastPath)
}

func TestQuoteData_TagCountBounds(t *testing.T) {
	srv, _ := fakeQuoteService(t)
	app := priceApp(srv.URL)

	for _, tags := range []string{"129", "-1", "many"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/price/x402/data/usdc-base/4096?tags="+tags, nil))
		require.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode, tags)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, "tags must be between 0 and 128", body["error"])
	}
}
