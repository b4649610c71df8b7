package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"permagate/internal/winston"
)

var (
	// ErrUserNotFound is returned when no credit account exists for an address.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance is returned when a decrement would drive the
	// winston credit balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// User is one credit account.
type User struct {
	UserAddress          string          `json:"userAddress"`
	UserAddressType      string          `json:"userAddressType"`
	WinstonCreditBalance winston.Winston `json:"winstonCreditBalance"`
	PromotionalInfo      map[string]any  `json:"promotionalInfo,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// BalanceChange describes one mutation of a user's winston credit balance.
// Every mutation in the service funnels through AdjustBalance with one of
// these, so the audit log captures the full history.
type BalanceChange struct {
	UserAddress     string
	UserAddressType string
	// Delta is the signed winston amount. Negative values decrement.
	Delta winston.Winston
	// Reason is a short machine-readable cause, e.g. "upload_reserve".
	Reason string
	// ChangeID is an optional idempotency key. A repeated ChangeID is a
	// no-op returning applied=false.
	ChangeID string
}

// GetUser retrieves a credit account by address.
func (db *DB) GetUser(ctx context.Context, userAddress string) (*User, error) {
	u := &User{}
	err := db.QueryRow(ctx, `
		SELECT user_address, user_address_type, winston_credit_balance,
		       promotional_info, created_at, updated_at
		FROM users
		WHERE user_address = $1
	`, userAddress).Scan(
		&u.UserAddress, &u.UserAddressType, &u.WinstonCreditBalance,
		&u.PromotionalInfo, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return u, nil
}

// GetBalance returns the winston credit balance for an address.
// Unknown addresses read as zero.
func (db *DB) GetBalance(ctx context.Context, userAddress string) (winston.Winston, bool, error) {
	var balance winston.Winston
	err := db.QueryRow(ctx, `
		SELECT winston_credit_balance FROM users WHERE user_address = $1
	`, userAddress).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return winston.Zero(), false, nil
		}
		return winston.Zero(), false, fmt.Errorf("failed to get balance: %w", err)
	}

	return balance, true, nil
}

// AdjustBalance applies one signed balance change atomically with its audit
// row. Credits create the account on first use; decrements require the
// account to exist and never drive the balance negative. Returns whether
// the change was applied (false when the ChangeID was seen before).
func (db *DB) AdjustBalance(ctx context.Context, change BalanceChange) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	applied, err := adjustBalanceTx(ctx, tx, change)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit balance change: %w", err)
	}

	return true, nil
}

// adjustBalanceTx is the single ledger function. Callers that compose a
// balance change with other writes run it inside their own transaction.
func adjustBalanceTx(ctx context.Context, tx pgx.Tx, change BalanceChange) (bool, error) {
	addressType := change.UserAddressType
	if addressType == "" {
		addressType = "arweave"
	}

	// The audit row goes first: its unique change_id index is the
	// idempotency gate.
	if change.ChangeID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO balance_audit_log (
				user_address, user_address_type, winston_credit_amount, change_reason, change_id
			) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (change_id) WHERE change_id IS NOT NULL DO NOTHING
		`, change.UserAddress, addressType, change.Delta, change.Reason, change.ChangeID)
		if err != nil {
			return false, fmt.Errorf("failed to record balance change: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	} else {
		if _, err := tx.Exec(ctx, `
			INSERT INTO balance_audit_log (
				user_address, user_address_type, winston_credit_amount, change_reason
			) VALUES ($1, $2, $3, $4)
		`, change.UserAddress, addressType, change.Delta, change.Reason); err != nil {
			return false, fmt.Errorf("failed to record balance change: %w", err)
		}
	}

	if !change.Delta.IsNegative() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO users (user_address, user_address_type)
			VALUES ($1, $2)
			ON CONFLICT (user_address) DO NOTHING
		`, change.UserAddress, addressType); err != nil {
			return false, fmt.Errorf("failed to ensure user row: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET winston_credit_balance = winston_credit_balance + $2::numeric, updated_at = NOW()
		WHERE user_address = $1 AND winston_credit_balance + $2::numeric >= 0
	`, change.UserAddress, change.Delta)
	if err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrInsufficientBalance
	}

	return true, nil
}
