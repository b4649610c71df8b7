package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permagate/internal/winston"
)

// X402PaymentMode selects how a settled USDC payment is applied.
type X402PaymentMode string

const (
	X402ModePayg   X402PaymentMode = "payg"
	X402ModeTopup  X402PaymentMode = "topup"
	X402ModeHybrid X402PaymentMode = "hybrid"
)

// X402PaymentStatus is the finalization state of a payment. Every status
// other than pending is immutable.
type X402PaymentStatus string

const (
	X402StatusPending      X402PaymentStatus = "pending"
	X402StatusConfirmed    X402PaymentStatus = "confirmed"
	X402StatusFraudPenalty X402PaymentStatus = "fraud_penalty"
	X402StatusRefunded     X402PaymentStatus = "refunded"
)

var (
	// ErrX402PaymentNotFound is returned when no payment matches.
	ErrX402PaymentNotFound = errors.New("x402 payment not found")
	// ErrX402AlreadyFinalized is returned when finalization hits a payment
	// that already left the pending state.
	ErrX402AlreadyFinalized = errors.New("x402 payment already finalized")
)

// X402Payment is one settled USDC payment.
type X402Payment struct {
	ID                uuid.UUID         `json:"id"`
	UserAddress       string            `json:"userAddress"`
	UserAddressType   string            `json:"userAddressType"`
	TxHash            string            `json:"txHash"`
	Network           string            `json:"network"`
	TokenAddress      string            `json:"tokenAddress"`
	USDCAmount        int64             `json:"usdcAmount"`
	WincAmount        winston.Winston   `json:"wincAmount"`
	Mode              X402PaymentMode   `json:"mode"`
	DataItemID        *string           `json:"dataItemId,omitempty"`
	DeclaredByteCount *int64            `json:"declaredByteCount,omitempty"`
	ActualByteCount   *int64            `json:"actualByteCount,omitempty"`
	PayerAddress      string            `json:"payerAddress"`
	Status            X402PaymentStatus `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	FinalizedAt       *time.Time        `json:"finalizedAt,omitempty"`
}

const x402PaymentColumns = `
	id, user_address, user_address_type, tx_hash, network, token_address,
	usdc_amount, winc_amount, mode, data_item_id, declared_byte_count,
	actual_byte_count, payer_address, status, created_at, finalized_at`

func scanX402Payment(row pgx.Row) (*X402Payment, error) {
	p := &X402Payment{}
	err := row.Scan(
		&p.ID, &p.UserAddress, &p.UserAddressType, &p.TxHash, &p.Network, &p.TokenAddress,
		&p.USDCAmount, &p.WincAmount, &p.Mode, &p.DataItemID, &p.DeclaredByteCount,
		&p.ActualByteCount, &p.PayerAddress, &p.Status, &p.CreatedAt, &p.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrX402PaymentNotFound
		}
		return nil, fmt.Errorf("failed to scan x402 payment: %w", err)
	}
	return p, nil
}

// X402PaymentApply tells CreateX402Payment what to do alongside the insert.
type X402PaymentApply struct {
	// CreditWinc is credited to the user balance in the same transaction:
	// the whole amount for topup, the overpaid excess for hybrid, zero for
	// payg.
	CreditWinc winston.Winston
	// Reserve creates the x402 reservation row locking the data item.
	Reserve bool
	// ReservationTTL bounds the reservation lifetime.
	ReservationTTL time.Duration
}

// CreateX402Payment inserts a settled payment and applies its mode effects
// atomically. The tx_hash unique index makes replays a no-op: the prior row
// is loaded into p and created=false is returned.
func (db *DB) CreateX402Payment(ctx context.Context, p *X402Payment, apply X402PaymentApply) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.UserAddressType == "" {
		p.UserAddressType = "arweave"
	}
	if p.Status == "" {
		p.Status = X402StatusPending
	}
	p.CreatedAt = time.Now().UTC()

	// Topup has no data item to finalize; it completes on settlement.
	if p.Mode == X402ModeTopup {
		p.Status = X402StatusConfirmed
		now := p.CreatedAt
		p.FinalizedAt = &now
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO x402_payment (
			id, user_address, user_address_type, tx_hash, network, token_address,
			usdc_amount, winc_amount, mode, data_item_id, declared_byte_count,
			payer_address, status, created_at, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tx_hash) DO NOTHING
	`, p.ID, p.UserAddress, p.UserAddressType, p.TxHash, p.Network, p.TokenAddress,
		p.USDCAmount, p.WincAmount, p.Mode, p.DataItemID, p.DeclaredByteCount,
		p.PayerAddress, p.Status, p.CreatedAt, p.FinalizedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert x402 payment: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := scanX402Payment(tx.QueryRow(ctx, `
			SELECT `+x402PaymentColumns+` FROM x402_payment WHERE tx_hash = $1
		`, p.TxHash))
		if err != nil {
			return false, err
		}
		*p = *existing
		return false, tx.Commit(ctx)
	}

	if !apply.CreditWinc.IsZero() {
		if _, err := adjustBalanceTx(ctx, tx, BalanceChange{
			UserAddress:     p.UserAddress,
			UserAddressType: p.UserAddressType,
			Delta:           apply.CreditWinc,
			Reason:          "x402_" + string(p.Mode),
			ChangeID:        "x402:" + p.TxHash,
		}); err != nil {
			return false, err
		}
	}

	if apply.Reserve {
		if p.DataItemID == nil {
			return false, errors.New("x402 reservation requires a data item id")
		}
		expiresAt := time.Now().UTC().Add(apply.ReservationTTL)
		if _, err := tx.Exec(ctx, `
			INSERT INTO x402_reservation (data_item_id, payment_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (data_item_id) DO NOTHING
		`, *p.DataItemID, p.ID, expiresAt); err != nil {
			return false, fmt.Errorf("failed to insert x402 reservation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit x402 payment: %w", err)
	}

	return true, nil
}

// GetX402PaymentByTxHash returns a payment by its settlement hash.
func (db *DB) GetX402PaymentByTxHash(ctx context.Context, txHash string) (*X402Payment, error) {
	return scanX402Payment(db.QueryRow(ctx, `
		SELECT `+x402PaymentColumns+` FROM x402_payment WHERE tx_hash = $1
	`, txHash))
}

// GetX402PaymentByDataItemID returns the newest pending payment bound to a
// data item.
func (db *DB) GetX402PaymentByDataItemID(ctx context.Context, dataItemID string) (*X402Payment, error) {
	return scanX402Payment(db.QueryRow(ctx, `
		SELECT `+x402PaymentColumns+`
		FROM x402_payment
		WHERE data_item_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`, dataItemID))
}

// FinalizeX402Payment records the finalization verdict decided by the
// payment engine and applies its effects atomically:
//
//	confirmed     consume the reservation
//	refunded      consume the reservation, credit refundWinc back
//	fraud_penalty delete the reservation, keep the payment
func (db *DB) FinalizeX402Payment(ctx context.Context, paymentID uuid.UUID, status X402PaymentStatus, actualByteCount int64, refundWinc winston.Winston) error {
	if status == X402StatusPending {
		return errors.New("cannot finalize to pending")
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var userAddress, userAddressType string
	var dataItemID *string
	err = tx.QueryRow(ctx, `
		UPDATE x402_payment
		SET status = $2, actual_byte_count = $3, finalized_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING user_address, user_address_type, data_item_id
	`, paymentID, status, actualByteCount).Scan(&userAddress, &userAddressType, &dataItemID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrX402AlreadyFinalized
		}
		return fmt.Errorf("failed to finalize x402 payment: %w", err)
	}

	if dataItemID != nil {
		if _, err := tx.Exec(ctx, `
			DELETE FROM x402_reservation WHERE data_item_id = $1
		`, *dataItemID); err != nil {
			return fmt.Errorf("failed to delete x402 reservation: %w", err)
		}
	}

	if status == X402StatusRefunded && !refundWinc.IsZero() {
		if _, err := adjustBalanceTx(ctx, tx, BalanceChange{
			UserAddress:     userAddress,
			UserAddressType: userAddressType,
			Delta:           refundWinc,
			Reason:          "x402_refund",
			ChangeID:        "x402refund:" + paymentID.String(),
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit finalization: %w", err)
	}

	return nil
}

// GetX402Reservation returns the payment id locking a data item, if any.
func (db *DB) GetX402Reservation(ctx context.Context, dataItemID string) (uuid.UUID, time.Time, error) {
	var paymentID uuid.UUID
	var expiresAt time.Time
	err := db.QueryRow(ctx, `
		SELECT payment_id, expires_at FROM x402_reservation WHERE data_item_id = $1
	`, dataItemID).Scan(&paymentID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, time.Time{}, ErrReservationNotFound
		}
		return uuid.Nil, time.Time{}, fmt.Errorf("failed to get x402 reservation: %w", err)
	}
	return paymentID, expiresAt, nil
}

// DeleteExpiredX402Reservations sweeps reservations past their TTL.
func (db *DB) DeleteExpiredX402Reservations(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM x402_reservation WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired x402 reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingTxStatus tracks a direct crypto top-up submitted by hash.
type PendingTxStatus string

const (
	PendingTxStatusPending  PendingTxStatus = "pending"
	PendingTxStatusCredited PendingTxStatus = "credited"
	PendingTxStatusFailed   PendingTxStatus = "failed"
)

// PendingPaymentTx is one row of pending_payment_tx.
type PendingPaymentTx struct {
	TxHash             string          `json:"txHash"`
	UserAddress        string          `json:"userAddress"`
	UserAddressType    string          `json:"userAddressType"`
	Network            string          `json:"network"`
	ExpectedUSDCAmount *int64          `json:"expectedUsdcAmount,omitempty"`
	CreditedWinc       winston.Winston `json:"creditedWinc"`
	Status             PendingTxStatus `json:"status"`
	Attempts           int             `json:"attempts"`
	CreatedAt          time.Time       `json:"createdAt"`
	CreditedAt         *time.Time      `json:"creditedAt,omitempty"`
	FailedReason       *string         `json:"failedReason,omitempty"`
}

// CreatePendingPaymentTx records a hash for the confirmation poller.
// Duplicate hashes are a no-op.
func (db *DB) CreatePendingPaymentTx(ctx context.Context, p *PendingPaymentTx) (bool, error) {
	if p.UserAddressType == "" {
		p.UserAddressType = "arweave"
	}
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO pending_payment_tx (tx_hash, user_address, user_address_type, network, expected_usdc_amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash) DO NOTHING
	`, p.TxHash, p.UserAddress, p.UserAddressType, p.Network, p.ExpectedUSDCAmount)
	if err != nil {
		return false, fmt.Errorf("failed to create pending payment tx: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetPendingPaymentTx retrieves one pending transaction by hash.
func (db *DB) GetPendingPaymentTx(ctx context.Context, txHash string) (*PendingPaymentTx, error) {
	p := &PendingPaymentTx{}
	err := db.QueryRow(ctx, `
		SELECT tx_hash, user_address, user_address_type, network, expected_usdc_amount,
		       credited_winc, status, attempts, created_at, credited_at, failed_reason
		FROM pending_payment_tx
		WHERE tx_hash = $1
	`, txHash).Scan(
		&p.TxHash, &p.UserAddress, &p.UserAddressType, &p.Network, &p.ExpectedUSDCAmount,
		&p.CreditedWinc, &p.Status, &p.Attempts, &p.CreatedAt, &p.CreditedAt, &p.FailedReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrX402PaymentNotFound
		}
		return nil, fmt.Errorf("failed to get pending payment tx: %w", err)
	}
	return p, nil
}

// CreditPendingPaymentTx marks a confirmed transaction credited and applies
// the winston credit, atomically and at most once.
func (db *DB) CreditPendingPaymentTx(ctx context.Context, txHash string, winc winston.Winston) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var userAddress, userAddressType string
	err = tx.QueryRow(ctx, `
		UPDATE pending_payment_tx
		SET status = 'credited', credited_winc = $2, credited_at = NOW()
		WHERE tx_hash = $1 AND status = 'pending'
		RETURNING user_address, user_address_type
	`, txHash, winc).Scan(&userAddress, &userAddressType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrX402AlreadyFinalized
		}
		return fmt.Errorf("failed to credit pending payment tx: %w", err)
	}

	if _, err := adjustBalanceTx(ctx, tx, BalanceChange{
		UserAddress:     userAddress,
		UserAddressType: userAddressType,
		Delta:           winc,
		Reason:          "crypto_topup",
		ChangeID:        "pendingtx:" + txHash,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pending tx credit: %w", err)
	}

	return nil
}

// TouchPendingPaymentTx bumps the poll attempt counter.
func (db *DB) TouchPendingPaymentTx(ctx context.Context, txHash string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE pending_payment_tx SET attempts = attempts + 1 WHERE tx_hash = $1
	`, txHash)
	if err != nil {
		return fmt.Errorf("failed to touch pending payment tx: %w", err)
	}
	return nil
}

// FailPendingPaymentTx marks a transaction that never confirmed.
func (db *DB) FailPendingPaymentTx(ctx context.Context, txHash, reason string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE pending_payment_tx
		SET status = 'failed', failed_reason = $2
		WHERE tx_hash = $1 AND status = 'pending'
	`, txHash, reason)
	if err != nil {
		return fmt.Errorf("failed to fail pending payment tx: %w", err)
	}
	return nil
}
