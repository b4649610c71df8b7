package db

import (
	"context"
	"testing"
	"time"

	"permagate/internal/db/testutil"
	"permagate/internal/winston"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestX402Payment(mode X402PaymentMode) *X402Payment {
	return &X402Payment{
		UserAddress:     testutil.RandomOwnerAddress(),
		UserAddressType: "ethereum",
		TxHash:          testutil.RandomTxHash(),
		Network:         "base",
		TokenAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		USDCAmount:      25_000,
		WincAmount:      winston.FromInt64(2_000_000),
		Mode:            mode,
		PayerAddress:    testutil.RandomEVMAddress(),
	}
}

func TestCreateX402Payment_Payg(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	p := newTestX402Payment(X402ModePayg)
	p.DataItemID = &dataItemID
	p.DeclaredByteCount = int64Ptr(4096)

	created, err := db.CreateX402Payment(ctx, p, X402PaymentApply{
		Reserve:        true,
		ReservationTTL: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, X402StatusPending, p.Status)

	// Exact payment carries no credit
	_, found, err := db.GetBalance(ctx, p.UserAddress)
	require.NoError(t, err)
	assert.False(t, found)

	paymentID, expiresAt, err := db.GetX402Reservation(ctx, dataItemID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, paymentID)
	assert.True(t, expiresAt.After(time.Now()))
}

func TestCreateX402Payment_TopupCreditsImmediately(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	p := newTestX402Payment(X402ModeTopup)
	created, err := db.CreateX402Payment(ctx, p, X402PaymentApply{
		CreditWinc: p.WincAmount,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Topups finalize on settlement
	assert.Equal(t, X402StatusConfirmed, p.Status)
	require.NotNil(t, p.FinalizedAt)

	balance, found, err := db.GetBalance(ctx, p.UserAddress)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, p.WincAmount.String(), balance.String())
}

func TestCreateX402Payment_HybridCreditsExcess(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	p := newTestX402Payment(X402ModeHybrid)
	p.DataItemID = &dataItemID

	// Paid 2_000_000 winc worth against a 1_500_000 quote
	excess := winston.FromInt64(500_000)
	created, err := db.CreateX402Payment(ctx, p, X402PaymentApply{
		CreditWinc:     excess,
		Reserve:        true,
		ReservationTTL: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, X402StatusPending, p.Status)

	balance, _, err := db.GetBalance(ctx, p.UserAddress)
	require.NoError(t, err)
	assert.Equal(t, excess.String(), balance.String())

	_, _, err = db.GetX402Reservation(ctx, dataItemID)
	require.NoError(t, err)
}

func TestCreateX402Payment_DuplicateTxHash(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	p := newTestX402Payment(X402ModeTopup)
	created, err := db.CreateX402Payment(ctx, p, X402PaymentApply{CreditWinc: p.WincAmount})
	require.NoError(t, err)
	assert.True(t, created)
	firstID := p.ID

	// Replaying the same settlement loads the prior row and credits nothing
	replay := newTestX402Payment(X402ModeTopup)
	replay.UserAddress = p.UserAddress
	replay.TxHash = p.TxHash
	created, err = db.CreateX402Payment(ctx, replay, X402PaymentApply{CreditWinc: replay.WincAmount})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, firstID, replay.ID)

	balance, _, err := db.GetBalance(ctx, p.UserAddress)
	require.NoError(t, err)
	assert.Equal(t, p.WincAmount.String(), balance.String())
}

func TestFinalizeX402Payment_Confirmed(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	p := newTestX402Payment(X402ModePayg)
	p.DataItemID = &dataItemID
	_, err := db.CreateX402Payment(ctx, p, X402PaymentApply{Reserve: true, ReservationTTL: time.Hour})
	require.NoError(t, err)

	err = db.FinalizeX402Payment(ctx, p.ID, X402StatusConfirmed, 4096, winston.Zero())
	require.NoError(t, err)

	stored, err := db.GetX402PaymentByTxHash(ctx, p.TxHash)
	require.NoError(t, err)
	assert.Equal(t, X402StatusConfirmed, stored.Status)
	require.NotNil(t, stored.ActualByteCount)
	assert.Equal(t, int64(4096), *stored.ActualByteCount)
	require.NotNil(t, stored.FinalizedAt)

	// The reservation was consumed
	_, _, err = db.GetX402Reservation(ctx, dataItemID)
	assert.ErrorIs(t, err, ErrReservationNotFound)

	// Finalization is terminal
	err = db.FinalizeX402Payment(ctx, p.ID, X402StatusConfirmed, 4096, winston.Zero())
	assert.ErrorIs(t, err, ErrX402AlreadyFinalized)
}

func TestFinalizeX402Payment_RefundsOverpayment(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	p := newTestX402Payment(X402ModePayg)
	p.DataItemID = &dataItemID
	_, err := db.CreateX402Payment(ctx, p, X402PaymentApply{Reserve: true, ReservationTTL: time.Hour})
	require.NoError(t, err)

	refund := winston.FromInt64(300_000)
	err = db.FinalizeX402Payment(ctx, p.ID, X402StatusRefunded, 1024, refund)
	require.NoError(t, err)

	stored, err := db.GetX402PaymentByTxHash(ctx, p.TxHash)
	require.NoError(t, err)
	assert.Equal(t, X402StatusRefunded, stored.Status)

	balance, _, err := db.GetBalance(ctx, p.UserAddress)
	require.NoError(t, err)
	assert.Equal(t, refund.String(), balance.String())
}

func TestFinalizeX402Payment_FraudPenaltyKeepsPayment(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()
	p := newTestX402Payment(X402ModePayg)
	p.DataItemID = &dataItemID
	p.DeclaredByteCount = int64Ptr(1024)
	_, err := db.CreateX402Payment(ctx, p, X402PaymentApply{Reserve: true, ReservationTTL: time.Hour})
	require.NoError(t, err)

	// Actual upload was far bigger than declared
	err = db.FinalizeX402Payment(ctx, p.ID, X402StatusFraudPenalty, 10_485_760, winston.Zero())
	require.NoError(t, err)

	stored, err := db.GetX402PaymentByTxHash(ctx, p.TxHash)
	require.NoError(t, err)
	assert.Equal(t, X402StatusFraudPenalty, stored.Status)

	// No refund, no reservation left behind
	_, found, err := db.GetBalance(ctx, p.UserAddress)
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = db.GetX402Reservation(ctx, dataItemID)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestDeleteExpiredX402Reservations(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	staleItem := testutil.RandomDataItemID()
	stale := newTestX402Payment(X402ModePayg)
	stale.DataItemID = &staleItem
	_, err := db.CreateX402Payment(ctx, stale, X402PaymentApply{Reserve: true, ReservationTTL: -time.Minute})
	require.NoError(t, err)

	liveItem := testutil.RandomDataItemID()
	live := newTestX402Payment(X402ModePayg)
	live.DataItemID = &liveItem
	_, err = db.CreateX402Payment(ctx, live, X402PaymentApply{Reserve: true, ReservationTTL: time.Hour})
	require.NoError(t, err)

	deleted, err := db.DeleteExpiredX402Reservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, _, err = db.GetX402Reservation(ctx, staleItem)
	assert.ErrorIs(t, err, ErrReservationNotFound)
	_, _, err = db.GetX402Reservation(ctx, liveItem)
	require.NoError(t, err)
}

func TestPendingPaymentTx_CreditOnce(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	pending := &PendingPaymentTx{
		TxHash:      testutil.RandomTxHash(),
		UserAddress: testutil.RandomOwnerAddress(),
		Network:     "base",
	}

	created, err := db.CreatePendingPaymentTx(ctx, pending)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.CreatePendingPaymentTx(ctx, pending)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, db.TouchPendingPaymentTx(ctx, pending.TxHash))

	winc := winston.FromInt64(750_000)
	require.NoError(t, db.CreditPendingPaymentTx(ctx, pending.TxHash, winc))

	// At most once
	err = db.CreditPendingPaymentTx(ctx, pending.TxHash, winc)
	assert.ErrorIs(t, err, ErrX402AlreadyFinalized)

	balance, _, err := db.GetBalance(ctx, pending.UserAddress)
	require.NoError(t, err)
	assert.Equal(t, winc.String(), balance.String())

	stored, err := db.GetPendingPaymentTx(ctx, pending.TxHash)
	require.NoError(t, err)
	assert.Equal(t, PendingTxStatusCredited, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.CreditedAt)
}

func TestFailPendingPaymentTx(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	pending := &PendingPaymentTx{
		TxHash:      testutil.RandomTxHash(),
		UserAddress: testutil.RandomOwnerAddress(),
		Network:     "base-sepolia",
	}
	_, err := db.CreatePendingPaymentTx(ctx, pending)
	require.NoError(t, err)

	require.NoError(t, db.FailPendingPaymentTx(ctx, pending.TxHash, "transaction not found after 10 attempts"))

	stored, err := db.GetPendingPaymentTx(ctx, pending.TxHash)
	require.NoError(t, err)
	assert.Equal(t, PendingTxStatusFailed, stored.Status)
	require.NotNil(t, stored.FailedReason)

	// No credit happened
	_, found, err := db.GetBalance(ctx, pending.UserAddress)
	require.NoError(t, err)
	assert.False(t, found)

	err = db.CreditPendingPaymentTx(ctx, pending.TxHash, winston.FromInt64(1))
	assert.ErrorIs(t, err, ErrX402AlreadyFinalized)
}

func TestGetX402PaymentByDataItemID_NewestPending(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	dataItemID := testutil.RandomDataItemID()

	first := newTestX402Payment(X402ModePayg)
	first.DataItemID = &dataItemID
	_, err := db.CreateX402Payment(ctx, first, X402PaymentApply{})
	require.NoError(t, err)

	// The first payment was finalized; a fresh one replaces it
	require.NoError(t, db.FinalizeX402Payment(ctx, first.ID, X402StatusRefunded, 0, winston.Zero()))

	second := newTestX402Payment(X402ModePayg)
	second.DataItemID = &dataItemID
	_, err = db.CreateX402Payment(ctx, second, X402PaymentApply{})
	require.NoError(t, err)

	found, err := db.GetX402PaymentByDataItemID(ctx, dataItemID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)

	_, err = db.GetX402PaymentByDataItemID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrX402PaymentNotFound)
}
