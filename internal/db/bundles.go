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

// BundleStatus is the bundle state machine position. Terminal states are
// permanent and failed.
type BundleStatus string

const (
	BundleStatusPlanned   BundleStatus = "planned"
	BundleStatusPrepared  BundleStatus = "prepared"
	BundleStatusPosted    BundleStatus = "posted"
	BundleStatusSeeded    BundleStatus = "seeded"
	BundleStatusConfirmed BundleStatus = "confirmed"
	BundleStatusPermanent BundleStatus = "permanent"
	BundleStatusFailed    BundleStatus = "failed"
)

var (
	// ErrBundleNotFound is returned when no bundle row exists for a plan.
	ErrBundleNotFound = errors.New("bundle not found")
	// ErrBundleTransition is returned when a conditional status update
	// matched no row, meaning another worker got there first.
	ErrBundleTransition = errors.New("bundle is not in the expected status")
)

// Bundle is one row of the bundle table.
type Bundle struct {
	PlanID               uuid.UUID       `json:"planId"`
	Status               BundleStatus    `json:"status"`
	BundleID             *string         `json:"bundleId,omitempty"`
	Reward               winston.Winston `json:"reward"`
	PayloadByteCount     *int64          `json:"payloadByteCount,omitempty"`
	HeaderByteCount      *int64          `json:"headerByteCount,omitempty"`
	TransactionByteCount *int64          `json:"transactionByteCount,omitempty"`
	PostedHeight         *int64          `json:"postedHeight,omitempty"`
	BlockHeight          *int64          `json:"blockHeight,omitempty"`
	FailedReason         *string         `json:"failedReason,omitempty"`
	PlannedDate          time.Time       `json:"plannedDate"`
	PreparedDate         *time.Time      `json:"preparedDate,omitempty"`
	PostedDate           *time.Time      `json:"postedDate,omitempty"`
	SeededDate           *time.Time      `json:"seededDate,omitempty"`
	PermanentDate        *time.Time      `json:"permanentDate,omitempty"`
	FailedDate           *time.Time      `json:"failedDate,omitempty"`
}

const bundleColumns = `
	plan_id, status, bundle_id, reward, payload_byte_count, header_byte_count,
	transaction_byte_count, posted_height, block_height, failed_reason,
	planned_date, prepared_date, posted_date, seeded_date, permanent_date, failed_date`

func scanBundle(row pgx.Row) (*Bundle, error) {
	b := &Bundle{}
	err := row.Scan(
		&b.PlanID, &b.Status, &b.BundleID, &b.Reward, &b.PayloadByteCount, &b.HeaderByteCount,
		&b.TransactionByteCount, &b.PostedHeight, &b.BlockHeight, &b.FailedReason,
		&b.PlannedDate, &b.PreparedDate, &b.PostedDate, &b.SeededDate, &b.PermanentDate, &b.FailedDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("failed to scan bundle: %w", err)
	}
	return b, nil
}

// GetBundle returns the bundle row for a plan.
func (db *DB) GetBundle(ctx context.Context, planID uuid.UUID) (*Bundle, error) {
	return scanBundle(db.QueryRow(ctx, `
		SELECT `+bundleColumns+` FROM bundle WHERE plan_id = $1
	`, planID))
}

// GetBundleByBundleID returns the bundle row for a posted transaction id.
func (db *DB) GetBundleByBundleID(ctx context.Context, bundleID string) (*Bundle, error) {
	return scanBundle(db.QueryRow(ctx, `
		SELECT `+bundleColumns+` FROM bundle WHERE bundle_id = $1
	`, bundleID))
}

// MarkBundlePrepared records the assembled payload sizes. Re-running for the
// same plan is allowed; prepare overwrites the same object.
func (db *DB) MarkBundlePrepared(ctx context.Context, planID uuid.UUID, payloadByteCount, headerByteCount int64) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE bundle
		SET status = 'prepared', payload_byte_count = $2, header_byte_count = $3, prepared_date = NOW()
		WHERE plan_id = $1 AND status IN ('planned', 'prepared')
	`, planID, payloadByteCount, headerByteCount)
	if err != nil {
		return fmt.Errorf("failed to mark bundle prepared: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleTransition
	}
	return nil
}

// MarkBundlePosted records the signed transaction. A retry that finds the
// bundle already posted with the same id is a no-op.
func (db *DB) MarkBundlePosted(ctx context.Context, planID uuid.UUID, bundleID string, reward winston.Winston, transactionByteCount, postedHeight int64) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE bundle
		SET status = 'posted', bundle_id = $2, reward = $3, transaction_byte_count = $4,
		    posted_height = $5, posted_date = NOW()
		WHERE plan_id = $1 AND (status = 'prepared' OR (status = 'posted' AND bundle_id = $2))
	`, planID, bundleID, reward, transactionByteCount, postedHeight)
	if err != nil {
		return fmt.Errorf("failed to mark bundle posted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleTransition
	}
	return nil
}

// MarkBundleSeeded records that all chunks were uploaded.
func (db *DB) MarkBundleSeeded(ctx context.Context, planID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE bundle
		SET status = 'seeded', seeded_date = NOW()
		WHERE plan_id = $1 AND status IN ('posted', 'seeded')
	`, planID)
	if err != nil {
		return fmt.Errorf("failed to mark bundle seeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleTransition
	}
	return nil
}

// MarkBundleConfirmed records the mined block height once the gateway
// reports at least the confirmation threshold.
func (db *DB) MarkBundleConfirmed(ctx context.Context, planID uuid.UUID, blockHeight int64) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE bundle
		SET status = 'confirmed', block_height = $2
		WHERE plan_id = $1 AND status IN ('posted', 'seeded', 'confirmed')
	`, planID, blockHeight)
	if err != nil {
		return fmt.Errorf("failed to mark bundle confirmed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleTransition
	}
	return nil
}

// MarkBundlePermanent transitions the bundle to its terminal success state
// and moves every item of its plan to permanent_data_item in the same
// transaction. Returns the moved ids. A bundle that is already permanent
// yields no ids and no error, so verify retries stay idempotent.
func (db *DB) MarkBundlePermanent(ctx context.Context, planID uuid.UUID, blockHeight int64) ([]string, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var bundleID string
	err = tx.QueryRow(ctx, `
		UPDATE bundle
		SET status = 'permanent', block_height = $2, permanent_date = NOW()
		WHERE plan_id = $1 AND status IN ('posted', 'seeded', 'confirmed')
		RETURNING bundle_id
	`, planID, blockHeight).Scan(&bundleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var status BundleStatus
			if serr := tx.QueryRow(ctx, `SELECT status FROM bundle WHERE plan_id = $1`, planID).Scan(&status); serr != nil {
				if errors.Is(serr, pgx.ErrNoRows) {
					return nil, ErrBundleNotFound
				}
				return nil, fmt.Errorf("failed to read bundle status: %w", serr)
			}
			if status == BundleStatusPermanent {
				return nil, nil
			}
			return nil, ErrBundleTransition
		}
		return nil, fmt.Errorf("failed to mark bundle permanent: %w", err)
	}

	rows, err := tx.Query(ctx, `
		INSERT INTO permanent_data_item (
			data_item_id, plan_id, bundle_id, block_height, owner_public_address,
			byte_count, assessed_winston_price, signature_type, payload_data_start,
			payload_content_type, premium_feature_type, uploaded_date, permanent_date
		)
		SELECT data_item_id, plan_id, $2, $3, owner_public_address,
		       byte_count, assessed_winston_price, signature_type, payload_data_start,
		       payload_content_type, premium_feature_type, uploaded_date, NOW()
		FROM planned_data_item
		WHERE plan_id = $1
		RETURNING data_item_id
	`, planID, bundleID, blockHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to move items to permanent_data_item: %w", err)
	}

	var moved []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan moved id: %w", err)
		}
		moved = append(moved, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating moved ids: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM planned_data_item WHERE plan_id = $1
	`, planID); err != nil {
		return nil, fmt.Errorf("failed to remove items from planned_data_item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit permanent move: %w", err)
	}

	return moved, nil
}

// ReplanResult describes where a failed plan's items went.
type ReplanResult struct {
	Replanned []string
	Failed    []string
}

// FailBundleAndReplan marks the bundle failed and routes its planned items:
// items still under the retry limit go back to new_data_item with the failed
// bundle recorded; items at the limit move to failed_data_item.
func (db *DB) FailBundleAndReplan(ctx context.Context, planID uuid.UUID, reason string, retryLimit int) (*ReplanResult, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Record the failure under the posted transaction id when one exists,
	// otherwise under the plan id.
	var failedRef string
	err = tx.QueryRow(ctx, `
		UPDATE bundle
		SET status = 'failed', failed_reason = $2, failed_date = NOW()
		WHERE plan_id = $1 AND status NOT IN ('permanent', 'failed')
		RETURNING COALESCE(bundle_id, plan_id::text)
	`, planID, reason).Scan(&failedRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already failed; items may still need routing after a crash.
			ferr := tx.QueryRow(ctx, `
				SELECT COALESCE(bundle_id, plan_id::text) FROM bundle WHERE plan_id = $1 AND status = 'failed'
			`, planID).Scan(&failedRef)
			if ferr != nil {
				if errors.Is(ferr, pgx.ErrNoRows) {
					return nil, ErrBundleTransition
				}
				return nil, fmt.Errorf("failed to read failed bundle: %w", ferr)
			}
		} else {
			return nil, fmt.Errorf("failed to mark bundle failed: %w", err)
		}
	}

	result := &ReplanResult{}

	rows, err := tx.Query(ctx, `
		INSERT INTO new_data_item (
			data_item_id, owner_public_address, byte_count, assessed_winston_price,
			signature_type, signature, payload_data_start, payload_content_type,
			premium_feature_type, failed_bundles, deadline_height, uploaded_date
		)
		SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price,
		       signature_type, signature, payload_data_start, payload_content_type,
		       premium_feature_type, failed_bundles || $2::text, deadline_height, uploaded_date
		FROM planned_data_item
		WHERE plan_id = $1 AND cardinality(failed_bundles) + 1 < $3
		RETURNING data_item_id
	`, planID, failedRef, retryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to replan data items: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan replanned id: %w", err)
		}
		result.Replanned = append(result.Replanned, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating replanned ids: %w", err)
	}

	rows, err = tx.Query(ctx, `
		INSERT INTO failed_data_item (
			data_item_id, owner_public_address, byte_count, assessed_winston_price,
			signature_type, payload_data_start, payload_content_type,
			premium_feature_type, failed_bundles, deadline_height, uploaded_date,
			failed_date, failed_reason
		)
		SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price,
		       signature_type, payload_data_start, payload_content_type,
		       premium_feature_type, failed_bundles || $2::text, deadline_height, uploaded_date,
		       NOW(), 'retry limit exceeded'
		FROM planned_data_item
		WHERE plan_id = $1 AND cardinality(failed_bundles) + 1 >= $3
		RETURNING data_item_id
	`, planID, failedRef, retryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fail data items: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan failed id: %w", err)
		}
		result.Failed = append(result.Failed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed ids: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM planned_data_item WHERE plan_id = $1
	`, planID); err != nil {
		return nil, fmt.Errorf("failed to remove items from planned_data_item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit replan: %w", err)
	}

	return result, nil
}

// GetBundlesToVerify returns bundles waiting on chain confirmation,
// oldest post first.
func (db *DB) GetBundlesToVerify(ctx context.Context, limit int) ([]*Bundle, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, `
		SELECT `+bundleColumns+`
		FROM bundle
		WHERE status IN ('posted', 'seeded', 'confirmed')
		ORDER BY posted_date ASC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get bundles to verify: %w", err)
	}
	defer rows.Close()

	var bundles []*Bundle
	for rows.Next() {
		b := &Bundle{}
		if err := rows.Scan(
			&b.PlanID, &b.Status, &b.BundleID, &b.Reward, &b.PayloadByteCount, &b.HeaderByteCount,
			&b.TransactionByteCount, &b.PostedHeight, &b.BlockHeight, &b.FailedReason,
			&b.PlannedDate, &b.PreparedDate, &b.PostedDate, &b.SeededDate, &b.PermanentDate, &b.FailedDate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bundles: %w", err)
	}

	return bundles, nil
}
