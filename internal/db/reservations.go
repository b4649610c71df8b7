package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"permagate/internal/winston"
)

// ErrReservationNotFound is returned when no reservation exists for an id.
var ErrReservationNotFound = errors.New("balance reservation not found")

// BalanceReservation holds winston credits against a data item until its
// bundle is permanent (consume) or the upload fails (cancel).
type BalanceReservation struct {
	DataItemID    string          `json:"dataItemId"`
	UserAddress   string          `json:"userAddress"`
	ReservedWinc  winston.Winston `json:"reservedWinc"`
	NetworkFee    winston.Winston `json:"networkFee"`
	ServiceFee    winston.Winston `json:"serviceFee"`
	SignatureType int             `json:"signatureType"`
	ByteCount     int64           `json:"byteCount"`
	ReservedAt    time.Time       `json:"reservedAt"`
}

// ReserveBalance decrements the user's balance by ReservedWinc and records
// the reservation, atomically. A repeated call for the same data item is a
// no-op returning created=false; the balance is only decremented once.
func (db *DB) ReserveBalance(ctx context.Context, r *BalanceReservation) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO balance_reservation (
			data_item_id, user_address, reserved_winc, network_fee, service_fee,
			signature_type, byte_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (data_item_id) DO NOTHING
	`, r.DataItemID, r.UserAddress, r.ReservedWinc, r.NetworkFee, r.ServiceFee,
		r.SignatureType, r.ByteCount)
	if err != nil {
		return false, fmt.Errorf("failed to insert reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := adjustBalanceTx(ctx, tx, BalanceChange{
		UserAddress: r.UserAddress,
		Delta:       r.ReservedWinc.Neg(),
		Reason:      "upload_reserve",
		ChangeID:    "reserve:" + r.DataItemID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit reservation: %w", err)
	}

	return true, nil
}

// GetReservation retrieves the reservation for a data item.
func (db *DB) GetReservation(ctx context.Context, dataItemID string) (*BalanceReservation, error) {
	r := &BalanceReservation{}
	err := db.QueryRow(ctx, `
		SELECT data_item_id, user_address, reserved_winc, network_fee, service_fee,
		       signature_type, byte_count, reserved_at
		FROM balance_reservation
		WHERE data_item_id = $1
	`, dataItemID).Scan(
		&r.DataItemID, &r.UserAddress, &r.ReservedWinc, &r.NetworkFee, &r.ServiceFee,
		&r.SignatureType, &r.ByteCount, &r.ReservedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	return r, nil
}

// ConsumeReservation deletes the reservation, keeping the winston spent.
// Used when the data item's bundle reaches permanence. Consuming an absent
// reservation is a no-op so free uploads finalize cleanly.
func (db *DB) ConsumeReservation(ctx context.Context, dataItemID string) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM balance_reservation WHERE data_item_id = $1
	`, dataItemID)
	if err != nil {
		return false, fmt.Errorf("failed to consume reservation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelReservation deletes the reservation and credits the reserved
// winston back, atomically. Cancelling an absent reservation is a no-op.
func (db *DB) CancelReservation(ctx context.Context, dataItemID string) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var userAddress string
	var reserved winston.Winston
	err = tx.QueryRow(ctx, `
		DELETE FROM balance_reservation WHERE data_item_id = $1
		RETURNING user_address, reserved_winc
	`, dataItemID).Scan(&userAddress, &reserved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to cancel reservation: %w", err)
	}

	if !reserved.IsZero() {
		if _, err := adjustBalanceTx(ctx, tx, BalanceChange{
			UserAddress: userAddress,
			Delta:       reserved,
			Reason:      "upload_cancel",
			ChangeID:    "cancel:" + dataItemID,
		}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	return true, nil
}
