package x402

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/ans104"
	"permagate/internal/arweave"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/db/testutil"
	"permagate/internal/gateway"
	"permagate/internal/pricing"
	"permagate/internal/winston"
)

const engineOracleURL = "https://oracle.test/simple/price?ids=arweave&vs_currencies=usd"

// stubGateway prices every byte at a fixed winc rate.
type stubGateway struct {
	wincPerByte int64
}

func (s *stubGateway) GetPriceForBytes(ctx context.Context, byteCount int64) (winston.Winston, error) {
	return winston.FromInt64(byteCount * s.wincPerByte), nil
}

func (s *stubGateway) GetBlockHeight(ctx context.Context) (int64, error) { return 0, nil }
func (s *stubGateway) GetTxAnchor(ctx context.Context) (string, error)   { return "", nil }
func (s *stubGateway) PostTx(ctx context.Context, tx *arweave.Transaction) error {
	return nil
}
func (s *stubGateway) PostChunk(ctx context.Context, chunk *arweave.ChunkUpload) error {
	return nil
}
func (s *stubGateway) GetTxStatus(ctx context.Context, txID string) (*gateway.TxStatus, error) {
	return nil, gateway.ErrTxNotFound
}

func testNetwork() config.X402NetworkConfig {
	return config.X402NetworkConfig{
		Name:           "base-sepolia",
		Enabled:        true,
		ChainID:        testChainID,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		USDCName:       "USDC",
		USDCVersion:    "2",
		FacilitatorURL: facilitatorURL,
	}
}

func newTestEngine(t *testing.T, testDB *testutil.TestDB, networks ...config.X402NetworkConfig) (*Engine, *db.DB) {
	t.Helper()

	if len(networks) == 0 {
		networks = []config.X402NetworkConfig{testNetwork()}
	}

	database := db.NewFromPool(testDB.Pool)
	oracle := pricing.NewOracle(engineOracleURL, 5*time.Minute)
	pricer := pricing.New(&stubGateway{wincPerByte: 1000}, oracle, pricing.Config{
		BufferPercent:     15,
		MinimumUSDCAmount: 1000,
	})

	cfg := config.X402Config{
		PayTo:                 "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Networks:              networks,
		PricingBufferPercent:  15,
		FraudTolerancePercent: 5,
		PaymentTimeout:        300 * time.Second,
		MinimumUSDCAmount:     1000,
		ReservationTTL:        time.Hour,
	}

	return New(database, pricer, cfg), database
}

func mockEngineBackends(txHash string) {
	httpmock.RegisterResponder("GET", engineOracleURL,
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"arweave": map[string]interface{}{"usd": 5.0},
		}))
	httpmock.RegisterResponder("POST", facilitatorURL+"/verify",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{"isValid": true}))
	httpmock.RegisterResponder("POST", facilitatorURL+"/settle",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"success":     true,
			"transaction": txHash,
			"network":     "base-sepolia",
		}))
}

// paymentHeaderFor signs an authorization over value and encodes it as an
// X-PAYMENT header.
func paymentHeaderFor(t *testing.T, key *ecdsa.PrivateKey, req *PaymentRequirements, value string) string {
	t.Helper()

	auth := validAuthorization(t, key, req, time.Now())
	auth.Value = value

	header, err := EncodePaymentHeader(signedPayload(t, key, req, auth))
	require.NoError(t, err)
	return header
}

func addAtomic(t *testing.T, amount string, delta int64) string {
	t.Helper()
	v, err := strconv.ParseInt(amount, 10, 64)
	require.NoError(t, err)
	return strconv.FormatInt(v+delta, 10)
}

func TestCharge_HybridCreditsExcessAndReserves(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	txHash := testutil.RandomTxHash()
	mockEngineBackends(txHash)

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	declared := int64(4096)
	resp, err := engine.Requirements(ctx, declared, ans104.SignatureEthereum, "/v1/tx")
	require.NoError(t, err)
	require.Len(t, resp.Accepts, 1)
	req := resp.Accepts[0]

	dataItemID := testutil.RandomDataItemID()
	user := crypto.PubkeyToAddress(key.PublicKey).Hex()
	paid := addAtomic(t, req.MaxAmountRequired, 5000)

	payment, err := engine.Charge(ctx, ChargeParams{
		Header:            paymentHeaderFor(t, key, &req, paid),
		Mode:              db.X402ModeHybrid,
		UserAddress:       user,
		UserAddressType:   "ethereum",
		SigType:           ans104.SignatureEthereum,
		DataItemID:        &dataItemID,
		DeclaredByteCount: &declared,
		Resource:          "/v1/tx",
	})
	require.NoError(t, err)

	assert.Equal(t, db.X402ModeHybrid, payment.Mode)
	assert.Equal(t, db.X402StatusPending, payment.Status)
	assert.Equal(t, txHash, payment.TxHash)
	assert.Equal(t, user, payment.PayerAddress)

	// The reserved amount is the quote, not the paid amount.
	quote, err := engine.pricing.QuoteUSDC(ctx, declared, ans104.SignatureEthereum)
	require.NoError(t, err)
	assert.Equal(t, quote.Winc.String(), payment.WincAmount.String())

	// The overpaid excess lands on the balance immediately.
	paidValue, err := strconv.ParseInt(paid, 10, 64)
	require.NoError(t, err)
	paidWinc, err := engine.pricing.WincForUSDC(ctx, paidValue)
	require.NoError(t, err)
	expectedExcess := paidWinc.Sub(quote.Winc)

	balance, found, err := database.GetBalance(ctx, user)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, expectedExcess.String(), balance.String())

	reservedBy, _, err := database.GetX402Reservation(ctx, dataItemID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, reservedBy)
}

func TestCharge_PaygCarriesNoCredit(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	declared := int64(4096)
	resp, err := engine.Requirements(ctx, declared, ans104.SignatureEthereum, "/v1/tx")
	require.NoError(t, err)
	req := resp.Accepts[0]

	dataItemID := testutil.RandomDataItemID()
	user := crypto.PubkeyToAddress(key.PublicKey).Hex()

	payment, err := engine.Charge(ctx, ChargeParams{
		Header:            paymentHeaderFor(t, key, &req, req.MaxAmountRequired),
		Mode:              db.X402ModePayg,
		UserAddress:       user,
		UserAddressType:   "ethereum",
		SigType:           ans104.SignatureEthereum,
		DataItemID:        &dataItemID,
		DeclaredByteCount: &declared,
		Resource:          "/v1/tx",
	})
	require.NoError(t, err)
	assert.Equal(t, db.X402StatusPending, payment.Status)

	_, found, err := database.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = database.GetX402Reservation(ctx, dataItemID)
	require.NoError(t, err)
}

func TestCharge_TopupCreditsFullAmount(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	req := testRequirement()
	user := crypto.PubkeyToAddress(key.PublicKey).Hex()

	payment, err := engine.Charge(ctx, ChargeParams{
		Header:          paymentHeaderFor(t, key, req, "50000"),
		Mode:            db.X402ModeTopup,
		UserAddress:     user,
		UserAddressType: "ethereum",
		Resource:        "/v1/x402/top-up",
	})
	require.NoError(t, err)

	// Topups finalize at settlement; there is nothing to reconcile later.
	assert.Equal(t, db.X402StatusConfirmed, payment.Status)
	require.NotNil(t, payment.FinalizedAt)

	expected, err := engine.pricing.WincForUSDC(ctx, 50000)
	require.NoError(t, err)
	assert.Equal(t, expected.String(), payment.WincAmount.String())

	balance, found, err := database.GetBalance(ctx, user)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, expected.String(), balance.String())
}

func TestCharge_ReplaySettlesOnce(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	// Both charges settle to the same transaction hash.
	mockEngineBackends("0x11eedd00")

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	req := testRequirement()
	user := crypto.PubkeyToAddress(key.PublicKey).Hex()

	first, err := engine.Charge(ctx, ChargeParams{
		Header:          paymentHeaderFor(t, key, req, "50000"),
		Mode:            db.X402ModeTopup,
		UserAddress:     user,
		UserAddressType: "ethereum",
	})
	require.NoError(t, err)

	second, err := engine.Charge(ctx, ChargeParams{
		Header:          paymentHeaderFor(t, key, req, "50000"),
		Mode:            db.X402ModeTopup,
		UserAddress:     user,
		UserAddressType: "ethereum",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The replay credited nothing.
	expected, err := engine.pricing.WincForUSDC(ctx, 50000)
	require.NoError(t, err)
	balance, _, err := database.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, expected.String(), balance.String())
}

func TestCharge_RejectsUnderpaymentBeforeSettling(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, _ := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	declared := int64(4096)
	resp, err := engine.Requirements(ctx, declared, ans104.SignatureEthereum, "/v1/tx")
	require.NoError(t, err)
	req := resp.Accepts[0]

	dataItemID := testutil.RandomDataItemID()
	_, err = engine.Charge(ctx, ChargeParams{
		Header:            paymentHeaderFor(t, key, &req, addAtomic(t, req.MaxAmountRequired, -1)),
		Mode:              db.X402ModeHybrid,
		UserAddress:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		UserAddressType:   "ethereum",
		SigType:           ans104.SignatureEthereum,
		DataItemID:        &dataItemID,
		DeclaredByteCount: &declared,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentInvalid)

	counts := httpmock.GetCallCountInfo()
	assert.Zero(t, counts["POST "+facilitatorURL+"/verify"])
	assert.Zero(t, counts["POST "+facilitatorURL+"/settle"])
}

func TestCharge_UnsupportedNetwork(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, _ := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	req := testRequirement()
	req.Network = "base"

	_, err = engine.Charge(ctx, ChargeParams{
		Header:          paymentHeaderFor(t, key, req, "50000"),
		Mode:            db.X402ModeTopup,
		UserAddress:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		UserAddressType: "ethereum",
	})
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestCharge_NoFacilitatorConfigured(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	network := testNetwork()
	network.FacilitatorURL = ""
	engine, _ := newTestEngine(t, testDB, network)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = engine.Charge(ctx, ChargeParams{
		Header:          paymentHeaderFor(t, key, testRequirement(), "50000"),
		Mode:            db.X402ModeTopup,
		UserAddress:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		UserAddressType: "ethereum",
	})
	assert.ErrorIs(t, err, ErrNoFacilitator)
}

func TestCharge_FacilitatorRejects(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())
	httpmock.RegisterResponder("POST", facilitatorURL+"/verify",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"isValid":       false,
			"invalidReason": "nonce_already_used",
		}))

	engine, _ := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = engine.Charge(ctx, ChargeParams{
		Header:          paymentHeaderFor(t, key, testRequirement(), "50000"),
		Mode:            db.X402ModeTopup,
		UserAddress:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		UserAddressType: "ethereum",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentInvalid)
	assert.Contains(t, err.Error(), "nonce_already_used")
	assert.Zero(t, httpmock.GetCallCountInfo()["POST "+facilitatorURL+"/settle"])
}

func TestCharge_SettlementWithoutHashFails(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())
	httpmock.RegisterResponder("POST", facilitatorURL+"/settle",
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"success":     false,
			"errorReason": "transfer reverted",
			"transaction": "",
		}))

	engine, _ := newTestEngine(t, testDB)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = engine.Charge(ctx, ChargeParams{
		Header:          paymentHeaderFor(t, key, testRequirement(), "50000"),
		Mode:            db.X402ModeTopup,
		UserAddress:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		UserAddressType: "ethereum",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentInvalid)
	assert.Contains(t, err.Error(), "transfer reverted")
}

// chargePayg settles an exact payment for declared bytes and returns it.
// Payg keeps the balance untouched, so finalize tests can assert credit
// deltas exactly.
func chargePayg(t *testing.T, engine *Engine, dataItemID string, declared int64) *db.X402Payment {
	t.Helper()
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	resp, err := engine.Requirements(ctx, declared, ans104.SignatureEthereum, "/v1/tx")
	require.NoError(t, err)
	req := resp.Accepts[0]

	payment, err := engine.Charge(ctx, ChargeParams{
		Header:            paymentHeaderFor(t, key, &req, req.MaxAmountRequired),
		Mode:              db.X402ModePayg,
		UserAddress:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
		UserAddressType:   "ethereum",
		SigType:           ans104.SignatureEthereum,
		DataItemID:        &dataItemID,
		DeclaredByteCount: &declared,
		Resource:          "/v1/tx",
	})
	require.NoError(t, err)
	return payment
}

func TestFinalize_ConfirmsWithinTolerance(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	payment := chargePayg(t, engine, dataItemID, 4096)

	// 4250 is within 5% of the declared 4096.
	result, err := engine.Finalize(ctx, dataItemID, 4250, ans104.SignatureEthereum)
	require.NoError(t, err)
	assert.Equal(t, db.X402StatusConfirmed, result.Status)
	assert.True(t, result.RefundWinc.IsZero())

	finalized, err := database.GetX402PaymentByTxHash(ctx, payment.TxHash)
	require.NoError(t, err)
	assert.Equal(t, db.X402StatusConfirmed, finalized.Status)
	require.NotNil(t, finalized.ActualByteCount)
	assert.Equal(t, int64(4250), *finalized.ActualByteCount)

	_, _, err = database.GetX402Reservation(ctx, dataItemID)
	assert.ErrorIs(t, err, db.ErrReservationNotFound)
}

func TestFinalize_SmallerUploadRefunds(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	payment := chargePayg(t, engine, dataItemID, 100_000)

	result, err := engine.Finalize(ctx, dataItemID, 50_000, ans104.SignatureEthereum)
	require.NoError(t, err)
	assert.Equal(t, db.X402StatusRefunded, result.Status)

	actualCost, err := engine.pricing.CostForBytes(ctx, 50_000, ans104.SignatureEthereum, false)
	require.NoError(t, err)
	expectedRefund := payment.WincAmount.Sub(actualCost)
	assert.Equal(t, expectedRefund.String(), result.RefundWinc.String())

	balance, found, err := database.GetBalance(ctx, payment.UserAddress)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, expectedRefund.String(), balance.String())

	_, _, err = database.GetX402Reservation(ctx, dataItemID)
	assert.ErrorIs(t, err, db.ErrReservationNotFound)
}

func TestFinalize_NothingArrivedRefundsEverything(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	payment := chargePayg(t, engine, dataItemID, 4096)

	result, err := engine.Finalize(ctx, dataItemID, 0, ans104.SignatureEthereum)
	require.NoError(t, err)
	assert.Equal(t, db.X402StatusRefunded, result.Status)
	assert.Equal(t, payment.WincAmount.String(), result.RefundWinc.String())

	balance, _, err := database.GetBalance(ctx, payment.UserAddress)
	require.NoError(t, err)
	assert.Equal(t, payment.WincAmount.String(), balance.String())
}

func TestFinalize_OversizeUploadIsFraud(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	payment := chargePayg(t, engine, dataItemID, 4096)

	result, err := engine.Finalize(ctx, dataItemID, 10_000, ans104.SignatureEthereum)
	require.NoError(t, err)
	assert.Equal(t, db.X402StatusFraudPenalty, result.Status)
	assert.True(t, result.RefundWinc.IsZero())

	// The payment row is kept as evidence; the reservation is gone.
	kept, err := database.GetX402PaymentByTxHash(ctx, payment.TxHash)
	require.NoError(t, err)
	assert.Equal(t, db.X402StatusFraudPenalty, kept.Status)

	_, _, err = database.GetX402Reservation(ctx, dataItemID)
	assert.ErrorIs(t, err, db.ErrReservationNotFound)

	_, found, err := database.GetBalance(ctx, payment.UserAddress)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFinalize_SecondCallFindsNothing(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, _ := newTestEngine(t, testDB)
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	chargePayg(t, engine, dataItemID, 4096)

	_, err := engine.Finalize(ctx, dataItemID, 4096, ans104.SignatureEthereum)
	require.NoError(t, err)

	// Finalization only sees pending payments.
	_, err = engine.Finalize(ctx, dataItemID, 4096, ans104.SignatureEthereum)
	assert.True(t, errors.Is(err, db.ErrX402PaymentNotFound))
}

func TestSweepExpiredReservations(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockEngineBackends(testutil.RandomTxHash())

	engine, database := newTestEngine(t, testDB)
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	chargePayg(t, engine, dataItemID, 4096)

	_, err := testDB.Pool.Exec(ctx, `UPDATE x402_reservation SET expires_at = NOW() - INTERVAL '1 second'`)
	require.NoError(t, err)

	swept, err := engine.SweepExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	_, _, err = database.GetX402Reservation(ctx, dataItemID)
	assert.ErrorIs(t, err, db.ErrReservationNotFound)
}
