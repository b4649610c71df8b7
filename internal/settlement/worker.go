// Package settlement runs the payment service's background work: the x402
// reservation sweeper, the pending transaction confirmation poller, and the
// admin credit applier. The pollers are durable queue consumers so work
// survives restarts; the sweeper is a plain ticker loop.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/pricing"
	"permagate/internal/queue"
	"permagate/internal/usdc"
	"permagate/internal/winston"
	"permagate/internal/x402"
)

const (
	queuePendingTx   = "payment-pending-tx"
	queueAdminCredit = "payment-admin-credit"

	// A transaction hash that never appears on chain is abandoned after
	// this many poll attempts.
	pendingTxMaxAttempts = 10

	sweepInterval = time.Minute
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// PendingTxJob registers a transaction hash for the confirmation poller.
// Operators submit these for USDC sent straight to the service wallet
// outside the x402 flow.
type PendingTxJob struct {
	TxHash             string          `json:"txHash"`
	UserAddress        string          `json:"userAddress"`
	UserAddressType    string          `json:"userAddressType,omitempty"`
	Network            string          `json:"network"`
	ExpectedUSDCAmount *usdc.MicroUSDC `json:"expectedUsdcAmount,omitempty"`
}

// AdminCreditJob is one operator-submitted balance adjustment. ChangeID
// makes retries and resubmissions idempotent.
type AdminCreditJob struct {
	Address      string          `json:"address"`
	AddressType  string          `json:"addressType,omitempty"`
	Delta        winston.Winston `json:"delta"`
	ChangeReason string          `json:"changeReason"`
	ChangeID     string          `json:"changeId"`
}

// chainReader is the slice of the EVM RPC surface the poller needs.
type chainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Worker owns the payment service's background loops.
type Worker struct {
	cfg    *config.Config
	db     *db.DB
	queue  *queue.Queue
	engine *x402.Engine
	pricer *pricing.Service
	log    *slog.Logger

	// dial is swapped in tests.
	dial func(ctx context.Context, rpcURL string) (chainReader, error)

	mu      sync.Mutex
	clients map[string]chainReader

	consumers []*queue.Consumer
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates the worker and registers its queue consumers. Start launches
// them.
func New(cfg *config.Config, database *db.DB, q *queue.Queue, engine *x402.Engine, pricer *pricing.Service, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}

	w := &Worker{
		cfg:    cfg,
		db:     database,
		queue:  q,
		engine: engine,
		pricer: pricer,
		log:    log,
		dial: func(ctx context.Context, rpcURL string) (chainReader, error) {
			return ethclient.DialContext(ctx, rpcURL)
		},
		clients: make(map[string]chainReader),
		stopCh:  make(chan struct{}),
	}

	poll := cfg.Queue.PollInterval
	w.consumers = []*queue.Consumer{
		q.NewConsumer(queue.ConsumerConfig{
			Queue:        queuePendingTx,
			Concurrency:  2,
			PollInterval: poll,
		}, w.handlePendingTx),
		q.NewConsumer(queue.ConsumerConfig{
			Queue:        queueAdminCredit,
			Concurrency:  1,
			PollInterval: poll,
		}, w.handleAdminCredit),
	}

	return w
}

// Start launches the queue consumers and the reservation sweeper.
func (w *Worker) Start(ctx context.Context) {
	for _, c := range w.consumers {
		c.Start(ctx)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runSweepLoop(ctx)
	}()

	w.log.Info("settlement worker started", "consumers", len(w.consumers))
}

// Stop drains the sweeper and the consumers. In-flight jobs finish before
// Stop returns.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	for _, c := range w.consumers {
		c.Stop()
	}
	w.log.Info("settlement worker stopped")
}

// EnqueuePendingTx submits a transaction hash for confirmation polling.
func (w *Worker) EnqueuePendingTx(ctx context.Context, job PendingTxJob) error {
	return w.queue.Enqueue(ctx, queuePendingTx, job)
}

// EnqueueAdminCredit submits a balance adjustment. The change id doubles as
// the queue dedupe key, so resubmitting the same adjustment is a no-op.
func (w *Worker) EnqueueAdminCredit(ctx context.Context, job AdminCreditJob) (bool, error) {
	if job.ChangeID == "" {
		return false, errors.New("admin credit requires a changeId")
	}
	return w.queue.EnqueueUnique(ctx, queueAdminCredit, "admin-credit-"+job.ChangeID, job)
}

// runSweepLoop deletes expired x402 reservations on a fixed cadence.
func (w *Worker) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			count, err := w.engine.SweepExpiredReservations(ctx)
			if err != nil {
				w.log.Error("failed to sweep expired x402 reservations", "error", err)
				continue
			}
			if count > 0 {
				w.log.Info("swept expired x402 reservations", "count", count)
			}
		}
	}
}

// handlePendingTx polls one transaction hash until it has enough
// confirmations, then credits the observed USDC value as winston. The job
// retries with backoff while the transaction is unseen or shallow.
func (w *Worker) handlePendingTx(ctx context.Context, job *queue.Job) error {
	var p PendingTxJob
	if err := job.Unmarshal(&p); err != nil {
		return queue.Fatal(err)
	}
	if p.TxHash == "" || p.UserAddress == "" || p.Network == "" {
		return queue.Fatal(errors.New("pending tx job requires txHash, userAddress and network"))
	}

	network, ok := w.cfg.Network(p.Network)
	if !ok {
		return queue.Fatal(fmt.Errorf("unknown network %q", p.Network))
	}

	// First sight registers the row; replays are no-ops.
	if _, err := w.db.CreatePendingPaymentTx(ctx, &db.PendingPaymentTx{
		TxHash:             p.TxHash,
		UserAddress:        p.UserAddress,
		UserAddressType:    p.UserAddressType,
		Network:            p.Network,
		ExpectedUSDCAmount: (*int64)(p.ExpectedUSDCAmount),
	}); err != nil {
		return err
	}

	pending, err := w.db.GetPendingPaymentTx(ctx, p.TxHash)
	if err != nil {
		return err
	}
	if pending.Status != db.PendingTxStatusPending {
		return nil
	}

	if err := w.db.TouchPendingPaymentTx(ctx, p.TxHash); err != nil {
		return err
	}

	client, err := w.client(ctx, network)
	if err != nil {
		return err
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(p.TxHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			if pending.Attempts+1 >= pendingTxMaxAttempts {
				return w.abandonPendingTx(ctx, p.TxHash,
					fmt.Sprintf("transaction not found after %d attempts", pendingTxMaxAttempts))
			}
			return fmt.Errorf("transaction %s not yet seen on %s", p.TxHash, p.Network)
		}
		return err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return w.abandonPendingTx(ctx, p.TxHash, "transaction reverted")
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	confirmations := int64(0)
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		confirmations = int64(head-receipt.BlockNumber.Uint64()) + 1
	}
	if confirmations < int64(network.MinConfirmations) {
		return fmt.Errorf("transaction %s has %d of %d confirmations",
			p.TxHash, confirmations, network.MinConfirmations)
	}

	amount := usdcReceived(receipt, network, common.HexToAddress(w.cfg.X402.PayTo))
	if amount <= 0 {
		return w.abandonPendingTx(ctx, p.TxHash, "no usdc transfer to the service wallet")
	}
	if pending.ExpectedUSDCAmount != nil && int64(amount) < *pending.ExpectedUSDCAmount {
		return w.abandonPendingTx(ctx, p.TxHash,
			fmt.Sprintf("transferred %s usdc, expected %s",
				amount, usdc.MicroUSDC(*pending.ExpectedUSDCAmount)))
	}

	winc, err := w.pricer.WincForUSDC(ctx, int64(amount))
	if err != nil {
		return err
	}

	if err := w.db.CreditPendingPaymentTx(ctx, p.TxHash, winc); err != nil {
		if errors.Is(err, db.ErrX402AlreadyFinalized) {
			return nil
		}
		return err
	}

	w.log.Info("pending transaction credited",
		"tx_hash", p.TxHash,
		"network", p.Network,
		"user_address", p.UserAddress,
		"usdc", amount,
		"winc", winc)
	return nil
}

// abandonPendingTx marks the row failed and completes the job.
func (w *Worker) abandonPendingTx(ctx context.Context, txHash, reason string) error {
	if err := w.db.FailPendingPaymentTx(ctx, txHash, reason); err != nil {
		return err
	}
	w.log.Warn("pending transaction abandoned", "tx_hash", txHash, "reason", reason)
	return nil
}

// handleAdminCredit applies one operator balance adjustment. Overdrawing
// debits fail terminally; duplicates by change id are silent no-ops.
func (w *Worker) handleAdminCredit(ctx context.Context, job *queue.Job) error {
	var a AdminCreditJob
	if err := job.Unmarshal(&a); err != nil {
		return queue.Fatal(err)
	}
	if a.Address == "" || a.ChangeReason == "" || a.ChangeID == "" {
		return queue.Fatal(errors.New("admin credit job requires address, changeReason and changeId"))
	}

	applied, err := w.db.AdjustBalance(ctx, db.BalanceChange{
		UserAddress:     a.Address,
		UserAddressType: a.AddressType,
		Delta:           a.Delta,
		Reason:          a.ChangeReason,
		ChangeID:        a.ChangeID,
	})
	if err != nil {
		if errors.Is(err, db.ErrInsufficientBalance) || errors.Is(err, db.ErrUserNotFound) {
			return queue.Fatal(err)
		}
		return err
	}
	if !applied {
		w.log.Info("admin adjustment already applied", "change_id", a.ChangeID)
		return nil
	}

	w.log.Info("admin adjustment applied",
		"user_address", a.Address,
		"delta", a.Delta,
		"reason", a.ChangeReason,
		"change_id", a.ChangeID)
	return nil
}

// client returns the cached RPC client for a network, dialing on first use.
func (w *Worker) client(ctx context.Context, network config.X402NetworkConfig) (chainReader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.clients[network.Name]; ok {
		return c, nil
	}
	c, err := w.dial(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s rpc: %w", network.Name, err)
	}
	w.clients[network.Name] = c
	return c, nil
}

// usdcReceived sums the USDC transferred to the service wallet in the
// receipt's logs, converted to microUSDC. Transfers from other contracts
// or to other recipients are ignored.
func usdcReceived(receipt *types.Receipt, network config.X402NetworkConfig, payTo common.Address) usdc.MicroUSDC {
	token := common.HexToAddress(network.USDCAddress)
	total := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != erc20TransferTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != payTo {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return usdc.FromBigInt(total, network.Name)
}
