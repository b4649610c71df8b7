package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/db/testutil"
	"permagate/internal/pricing"
	"permagate/internal/queue"
	"permagate/internal/usdc"
	"permagate/internal/winston"
	"permagate/internal/x402"
)

const (
	workerOracleURL = "https://oracle.test/simple/price?ids=arweave&vs_currencies=usd"

	payToAddr   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	usdcAddr    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	otherTokens = "0x1111111111111111111111111111111111111111"
)

// stubChain serves canned receipts instead of a live RPC endpoint.
type stubChain struct {
	receipts map[common.Hash]*types.Receipt
	head     uint64
}

func (s *stubChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := s.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (s *stubChain) BlockNumber(ctx context.Context) (uint64, error) {
	return s.head, nil
}

func workerNetwork() config.X402NetworkConfig {
	return config.X402NetworkConfig{
		Name:             "base-sepolia",
		Enabled:          true,
		ChainID:          84532,
		RPCURL:           "https://rpc.test",
		USDCAddress:      usdcAddr,
		USDCName:         "USDC",
		USDCVersion:      "2",
		MinConfirmations: 1,
	}
}

func workerConfig(network config.X402NetworkConfig) *config.Config {
	return &config.Config{
		X402: config.X402Config{
			PayTo:          payToAddr,
			Networks:       []config.X402NetworkConfig{network},
			ReservationTTL: time.Hour,
		},
		Queue: config.QueueConfig{PollInterval: 50 * time.Millisecond},
	}
}

func newTestWorker(t *testing.T, testDB *testutil.TestDB, cfg *config.Config, chain chainReader) (*Worker, *db.DB) {
	t.Helper()

	database := db.NewFromPool(testDB.Pool)
	oracle := pricing.NewOracle(workerOracleURL, 5*time.Minute)
	// The worker only converts paid USDC through the oracle; it never
	// prices bytes, so no gateway is needed.
	pricer := pricing.New(nil, oracle, pricing.Config{MinimumUSDCAmount: 1000})
	engine := x402.New(database, pricer, cfg.X402)

	w := New(cfg, database, queue.New(testDB.Pool), engine, pricer, nil)
	w.dial = func(ctx context.Context, rpcURL string) (chainReader, error) {
		return chain, nil
	}
	return w, database
}

func mockOracle() {
	httpmock.RegisterResponder("GET", workerOracleURL,
		httpmock.NewJsonResponderOrPanic(200, map[string]interface{}{
			"arweave": map[string]interface{}{"usd": 5.0},
		}))
}

// transferLog fabricates one ERC-20 Transfer event.
func transferLog(token, from, to string, amount int64) *types.Log {
	pad := func(addr string) common.Hash {
		return common.BytesToHash(common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32))
	}
	return &types.Log{
		Address: common.HexToAddress(token),
		Topics:  []common.Hash{erc20TransferTopic, pad(from), pad(to)},
		Data:    common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func confirmedReceipt(block uint64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
}

func pendingTxJob(t *testing.T, p PendingTxJob) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{Payload: payload}
}

func TestUSDCReceived(t *testing.T) {
	network := workerNetwork()
	payTo := common.HexToAddress(payToAddr)
	payer := testutil.RandomEVMAddress()

	t.Run("sums transfers to the service wallet", func(t *testing.T) {
		receipt := confirmedReceipt(100,
			transferLog(usdcAddr, payer, payToAddr, 3_000_000),
			transferLog(usdcAddr, payer, payToAddr, 2_000_000),
		)
		assert.Equal(t, usdc.MicroUSDC(5_000_000), usdcReceived(receipt, network, payTo))
	})

	t.Run("ignores other tokens and recipients", func(t *testing.T) {
		receipt := confirmedReceipt(100,
			transferLog(otherTokens, payer, payToAddr, 9_000_000),
			transferLog(usdcAddr, payer, testutil.RandomEVMAddress(), 9_000_000),
			transferLog(usdcAddr, payer, payToAddr, 1_500_000),
		)
		assert.Equal(t, usdc.MicroUSDC(1_500_000), usdcReceived(receipt, network, payTo))
	})

	t.Run("ignores malformed logs", func(t *testing.T) {
		lg := transferLog(usdcAddr, payer, payToAddr, 1_000_000)
		lg.Topics = lg.Topics[:2]
		receipt := confirmedReceipt(100, lg)
		assert.Equal(t, usdc.MicroUSDC(0), usdcReceived(receipt, network, payTo))
	})

	t.Run("empty receipt yields zero", func(t *testing.T) {
		assert.Equal(t, usdc.MicroUSDC(0), usdcReceived(confirmedReceipt(100), network, payTo))
	})
}

func TestPendingTxJobEncoding(t *testing.T) {
	expected := usdc.MicroUSDC(2_500_000)
	data, err := json.Marshal(PendingTxJob{
		TxHash:             "0xabc",
		UserAddress:        "0xdef",
		Network:            "base",
		ExpectedUSDCAmount: &expected,
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expectedUsdcAmount":"2500000"`)

	// Operators submit amounts as bare numbers too.
	var job PendingTxJob
	require.NoError(t, json.Unmarshal([]byte(`{"txHash":"0x1","userAddress":"0x2","network":"base","expectedUsdcAmount":1000000}`), &job))
	require.NotNil(t, job.ExpectedUSDCAmount)
	assert.Equal(t, usdc.MicroUSDC(1_000_000), *job.ExpectedUSDCAmount)
}

func TestHandlePendingTx_FatalValidation(t *testing.T) {
	w := &Worker{cfg: workerConfig(workerNetwork())}
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed payload", `{"txHash":`},
		{"missing tx hash", `{"userAddress":"0x2","network":"base-sepolia"}`},
		{"missing user address", `{"txHash":"0x1","network":"base-sepolia"}`},
		{"missing network", `{"txHash":"0x1","userAddress":"0x2"}`},
		{"unknown network", `{"txHash":"0x1","userAddress":"0x2","network":"arbitrum"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := w.handlePendingTx(ctx, &queue.Job{Payload: json.RawMessage(tc.payload)})
			require.Error(t, err)
			assert.True(t, queue.IsFatal(err), "expected fatal error, got %v", err)
		})
	}
}

func TestHandleAdminCredit_FatalValidation(t *testing.T) {
	w := &Worker{}
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{"malformed payload", `{`},
		{"missing address", `{"delta":"100","changeReason":"promo","changeId":"p1"}`},
		{"missing reason", `{"address":"addr","delta":"100","changeId":"p1"}`},
		{"missing change id", `{"address":"addr","delta":"100","changeReason":"promo"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := w.handleAdminCredit(ctx, &queue.Job{Payload: json.RawMessage(tc.payload)})
			require.Error(t, err)
			assert.True(t, queue.IsFatal(err), "expected fatal error, got %v", err)
		})
	}
}

func TestEnqueueAdminCredit_RequiresChangeID(t *testing.T) {
	w := &Worker{}
	_, err := w.EnqueueAdminCredit(context.Background(), AdminCreditJob{
		Address:      "addr",
		Delta:        winston.FromInt64(100),
		ChangeReason: "promo",
	})
	assert.Error(t, err)
}

func TestRunSweepLoop_ExitsOnStop(t *testing.T) {
	w := &Worker{stopCh: make(chan struct{})}

	done := make(chan struct{})
	go func() {
		w.runSweepLoop(context.Background())
		close(done)
	}()

	close(w.stopCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop did not exit on stop")
	}
}

func TestHandlePendingTx_CreditsConfirmedTransfer(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockOracle()

	network := workerNetwork()
	txHash := testutil.RandomTxHash()
	payer := testutil.RandomEVMAddress()
	chain := &stubChain{
		head: 105,
		receipts: map[common.Hash]*types.Receipt{
			common.HexToHash(txHash): confirmedReceipt(100,
				transferLog(usdcAddr, payer, payToAddr, 5_000_000)),
		},
	}

	w, database := newTestWorker(t, testDB, workerConfig(network), chain)
	ctx := context.Background()
	user := testutil.RandomEVMAddress()

	job := pendingTxJob(t, PendingTxJob{
		TxHash:          txHash,
		UserAddress:     user,
		UserAddressType: "ethereum",
		Network:         network.Name,
	})
	require.NoError(t, w.handlePendingTx(ctx, job))

	stored, err := database.GetPendingPaymentTx(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, db.PendingTxStatusCredited, stored.Status)

	wantWinc, err := w.pricer.WincForUSDC(ctx, 5_000_000)
	require.NoError(t, err)
	balance, found, err := database.GetBalance(ctx, user)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, wantWinc, balance)

	// Replays see the credited row and complete without touching the ledger.
	require.NoError(t, w.handlePendingTx(ctx, job))
	balance, _, err = database.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, wantWinc, balance)
}

func TestHandlePendingTx_RetriesUntilSeen(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	network := workerNetwork()
	chain := &stubChain{head: 100, receipts: map[common.Hash]*types.Receipt{}}
	w, database := newTestWorker(t, testDB, workerConfig(network), chain)
	ctx := context.Background()

	txHash := testutil.RandomTxHash()
	job := pendingTxJob(t, PendingTxJob{
		TxHash:      txHash,
		UserAddress: testutil.RandomEVMAddress(),
		Network:     network.Name,
	})

	err := w.handlePendingTx(ctx, job)
	require.Error(t, err)
	assert.False(t, queue.IsFatal(err))

	stored, err := database.GetPendingPaymentTx(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, db.PendingTxStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestHandlePendingTx_AbandonsUnseenAfterMaxAttempts(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	network := workerNetwork()
	chain := &stubChain{head: 100, receipts: map[common.Hash]*types.Receipt{}}
	w, database := newTestWorker(t, testDB, workerConfig(network), chain)
	ctx := context.Background()

	txHash := testutil.RandomTxHash()
	job := pendingTxJob(t, PendingTxJob{
		TxHash:      txHash,
		UserAddress: testutil.RandomEVMAddress(),
		Network:     network.Name,
	})

	for i := 0; i < pendingTxMaxAttempts-1; i++ {
		require.Error(t, w.handlePendingTx(ctx, job))
	}
	// The final attempt abandons instead of erroring again.
	require.NoError(t, w.handlePendingTx(ctx, job))

	stored, err := database.GetPendingPaymentTx(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, db.PendingTxStatusFailed, stored.Status)
	require.NotNil(t, stored.FailedReason)
	assert.Equal(t, "transaction not found after 10 attempts", *stored.FailedReason)
}

func TestHandlePendingTx_AbandonsRevertedTransaction(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	network := workerNetwork()
	txHash := testutil.RandomTxHash()
	chain := &stubChain{
		head: 200,
		receipts: map[common.Hash]*types.Receipt{
			common.HexToHash(txHash): {
				Status:      types.ReceiptStatusFailed,
				BlockNumber: big.NewInt(100),
			},
		},
	}
	w, database := newTestWorker(t, testDB, workerConfig(network), chain)
	ctx := context.Background()

	require.NoError(t, w.handlePendingTx(ctx, pendingTxJob(t, PendingTxJob{
		TxHash:      txHash,
		UserAddress: testutil.RandomEVMAddress(),
		Network:     network.Name,
	})))

	stored, err := database.GetPendingPaymentTx(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, db.PendingTxStatusFailed, stored.Status)
	require.NotNil(t, stored.FailedReason)
	assert.Equal(t, "transaction reverted", *stored.FailedReason)
}

func TestHandlePendingTx_AbandonsShortTransfer(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	network := workerNetwork()
	txHash := testutil.RandomTxHash()
	payer := testutil.RandomEVMAddress()
	chain := &stubChain{
		head: 200,
		receipts: map[common.Hash]*types.Receipt{
			common.HexToHash(txHash): confirmedReceipt(100,
				transferLog(usdcAddr, payer, payToAddr, 4_000_000)),
		},
	}
	w, database := newTestWorker(t, testDB, workerConfig(network), chain)
	ctx := context.Background()

	expected := usdc.MicroUSDC(10_000_000)
	require.NoError(t, w.handlePendingTx(ctx, pendingTxJob(t, PendingTxJob{
		TxHash:             txHash,
		UserAddress:        testutil.RandomEVMAddress(),
		Network:            network.Name,
		ExpectedUSDCAmount: &expected,
	})))

	stored, err := database.GetPendingPaymentTx(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, db.PendingTxStatusFailed, stored.Status)
	require.NotNil(t, stored.FailedReason)
	assert.Equal(t, "transferred 4.00 usdc, expected 10.00", *stored.FailedReason)
}

func TestHandlePendingTx_WaitsForConfirmations(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	network := workerNetwork()
	network.MinConfirmations = 5
	txHash := testutil.RandomTxHash()
	payer := testutil.RandomEVMAddress()
	chain := &stubChain{
		head: 101, // two confirmations of the five required
		receipts: map[common.Hash]*types.Receipt{
			common.HexToHash(txHash): confirmedReceipt(100,
				transferLog(usdcAddr, payer, payToAddr, 5_000_000)),
		},
	}
	w, database := newTestWorker(t, testDB, workerConfig(network), chain)
	ctx := context.Background()

	err := w.handlePendingTx(ctx, pendingTxJob(t, PendingTxJob{
		TxHash:      txHash,
		UserAddress: testutil.RandomEVMAddress(),
		Network:     network.Name,
	}))
	require.Error(t, err)
	assert.False(t, queue.IsFatal(err))
	assert.Contains(t, err.Error(), "2 of 5 confirmations")

	stored, err := database.GetPendingPaymentTx(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, db.PendingTxStatusPending, stored.Status)
}

func TestHandleAdminCredit_AppliesOnce(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	network := workerNetwork()
	w, database := newTestWorker(t, testDB, workerConfig(network), &stubChain{})
	ctx := context.Background()

	user := testutil.RandomOwnerAddress()
	payload, err := json.Marshal(AdminCreditJob{
		Address:      user,
		Delta:        winston.FromInt64(7_000),
		ChangeReason: "support_credit",
		ChangeID:     "ticket-4821",
	})
	require.NoError(t, err)
	job := &queue.Job{Payload: payload}

	require.NoError(t, w.handleAdminCredit(ctx, job))
	balance, found, err := database.GetBalance(ctx, user)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winston.FromInt64(7_000), balance)

	// Same change id replayed must not double-credit.
	require.NoError(t, w.handleAdminCredit(ctx, job))
	balance, _, err = database.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, winston.FromInt64(7_000), balance)
}

func TestHandleAdminCredit_OverdrawIsFatal(t *testing.T) {
	testDB := testutil.NewPaymentTestDB(t)
	defer testDB.Close(t)

	network := workerNetwork()
	w, _ := newTestWorker(t, testDB, workerConfig(network), &stubChain{})
	ctx := context.Background()

	payload, err := json.Marshal(AdminCreditJob{
		Address:      testutil.RandomOwnerAddress(),
		Delta:        winston.FromInt64(-5_000),
		ChangeReason: "clawback",
		ChangeID:     "ticket-4822",
	})
	require.NoError(t, err)

	err = w.handleAdminCredit(ctx, &queue.Job{Payload: payload})
	require.Error(t, err)
	assert.True(t, queue.IsFatal(err))
}
