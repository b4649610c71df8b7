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

// DataItemStatus is the lifecycle state of a data item. An id lives in
// exactly one state table at a time.
type DataItemStatus string

const (
	DataItemStatusNew       DataItemStatus = "new"
	DataItemStatusPlanned   DataItemStatus = "planned"
	DataItemStatusPermanent DataItemStatus = "permanent"
	DataItemStatusFailed    DataItemStatus = "failed"
)

// ErrDataItemNotFound is returned when an id is in none of the state tables.
var ErrDataItemNotFound = errors.New("data item not found")

// DataItem is one row of the new_data_item or planned_data_item table.
type DataItem struct {
	DataItemID           string          `json:"dataItemId"`
	OwnerPublicAddress   string          `json:"ownerPublicAddress"`
	ByteCount            int64           `json:"byteCount"`
	AssessedWinstonPrice winston.Winston `json:"assessedWinstonPrice"`
	SignatureType        int             `json:"signatureType"`
	Signature            []byte          `json:"-"`
	PayloadDataStart     int64           `json:"payloadDataStart"`
	PayloadContentType   string          `json:"payloadContentType"`
	PremiumFeatureType   string          `json:"premiumFeatureType"`
	FailedBundles        []string        `json:"failedBundles,omitempty"`
	DeadlineHeight       int64           `json:"deadlineHeight"`
	UploadedDate         time.Time       `json:"uploadedDate"`

	// Set once planned
	PlanID      *uuid.UUID `json:"planId,omitempty"`
	PlannedDate *time.Time `json:"plannedDate,omitempty"`
}

// DataItemStatusInfo is the answer to a status lookup.
type DataItemStatusInfo struct {
	DataItemID     string          `json:"dataItemId"`
	Status         DataItemStatus  `json:"status"`
	AssessedWinc   winston.Winston `json:"winc"`
	PlanID         *uuid.UUID      `json:"planId,omitempty"`
	BundleID       *string         `json:"bundleId,omitempty"`
	BlockHeight    *int64          `json:"blockHeight,omitempty"`
	DeadlineHeight int64           `json:"deadlineHeight,omitempty"`
	FailedReason   *string         `json:"failedReason,omitempty"`
}

// InsertNewDataItem records a freshly ingested data item. The insert is
// skipped when the id already exists in any lifecycle table, so re-uploads
// of the same item are a no-op. Returns whether a row was written.
func (db *DB) InsertNewDataItem(ctx context.Context, item *DataItem) (bool, error) {
	if item.UploadedDate.IsZero() {
		item.UploadedDate = time.Now().UTC()
	}

	tag, err := db.pool.Exec(ctx, `
		INSERT INTO new_data_item (
			data_item_id, owner_public_address, byte_count, assessed_winston_price,
			signature_type, signature, payload_data_start, payload_content_type,
			premium_feature_type, deadline_height, uploaded_date
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		WHERE NOT EXISTS (SELECT 1 FROM planned_data_item WHERE data_item_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM permanent_data_item WHERE data_item_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM failed_data_item WHERE data_item_id = $1)
		ON CONFLICT (data_item_id) DO NOTHING
	`, item.DataItemID, item.OwnerPublicAddress, item.ByteCount, item.AssessedWinstonPrice,
		item.SignatureType, item.Signature, item.PayloadDataStart, item.PayloadContentType,
		item.PremiumFeatureType, item.DeadlineHeight, item.UploadedDate)
	if err != nil {
		return false, fmt.Errorf("failed to insert new data item: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetNewDataItems returns up to limit unplanned data items, oldest first.
func (db *DB) GetNewDataItems(ctx context.Context, limit int) ([]*DataItem, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := db.pool.Query(ctx, `
		SELECT data_item_id, owner_public_address, byte_count, assessed_winston_price,
		       signature_type, payload_data_start, payload_content_type,
		       premium_feature_type, failed_bundles, deadline_height, uploaded_date
		FROM new_data_item
		ORDER BY uploaded_date ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get new data items: %w", err)
	}
	defer rows.Close()

	var items []*DataItem
	for rows.Next() {
		item := &DataItem{}
		if err := rows.Scan(
			&item.DataItemID, &item.OwnerPublicAddress, &item.ByteCount, &item.AssessedWinstonPrice,
			&item.SignatureType, &item.PayloadDataStart, &item.PayloadContentType,
			&item.PremiumFeatureType, &item.FailedBundles, &item.DeadlineHeight, &item.UploadedDate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan data item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data items: %w", err)
	}

	return items, nil
}

// PlanDataItems creates a bundle plan and atomically moves the given items
// from new_data_item to planned_data_item. Items that disappeared since
// selection are skipped; the plan is rolled back if none remain.
func (db *DB) PlanDataItems(ctx context.Context, planID uuid.UUID, dataItemIDs []string) (int, error) {
	if len(dataItemIDs) == 0 {
		return 0, errors.New("empty plan")
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO bundle_plan (plan_id, planned_date) VALUES ($1, $2)
	`, planID, now); err != nil {
		return 0, fmt.Errorf("failed to create bundle plan: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO bundle (plan_id, status, planned_date) VALUES ($1, 'planned', $2)
	`, planID, now); err != nil {
		return 0, fmt.Errorf("failed to create bundle row: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO planned_data_item (
			data_item_id, plan_id, owner_public_address, byte_count, assessed_winston_price,
			signature_type, signature, payload_data_start, payload_content_type,
			premium_feature_type, failed_bundles, deadline_height, uploaded_date, planned_date
		)
		SELECT data_item_id, $1, owner_public_address, byte_count, assessed_winston_price,
		       signature_type, signature, payload_data_start, payload_content_type,
		       premium_feature_type, failed_bundles, deadline_height, uploaded_date, $3
		FROM new_data_item
		WHERE data_item_id = ANY($2)
	`, planID, dataItemIDs, now)
	if err != nil {
		return 0, fmt.Errorf("failed to plan data items: %w", err)
	}

	moved := int(tag.RowsAffected())
	if moved == 0 {
		return 0, errors.New("no data items left to plan")
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM new_data_item WHERE data_item_id = ANY($1)
	`, dataItemIDs); err != nil {
		return 0, fmt.Errorf("failed to remove planned items from new_data_item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit plan: %w", err)
	}

	return moved, nil
}

// GetPlannedDataItems returns the items of one plan, oldest first. The id
// tiebreak makes the order total so that prepare and post walk the bundle
// in the same sequence.
func (db *DB) GetPlannedDataItems(ctx context.Context, planID uuid.UUID) ([]*DataItem, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT data_item_id, plan_id, owner_public_address, byte_count, assessed_winston_price,
		       signature_type, payload_data_start, payload_content_type,
		       premium_feature_type, failed_bundles, deadline_height, uploaded_date, planned_date
		FROM planned_data_item
		WHERE plan_id = $1
		ORDER BY uploaded_date ASC, data_item_id ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to get planned data items: %w", err)
	}
	defer rows.Close()

	var items []*DataItem
	for rows.Next() {
		item := &DataItem{}
		if err := rows.Scan(
			&item.DataItemID, &item.PlanID, &item.OwnerPublicAddress, &item.ByteCount,
			&item.AssessedWinstonPrice, &item.SignatureType, &item.PayloadDataStart,
			&item.PayloadContentType, &item.PremiumFeatureType, &item.FailedBundles,
			&item.DeadlineHeight, &item.UploadedDate, &item.PlannedDate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan planned data item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating planned data items: %w", err)
	}

	return items, nil
}

// GetDataItemStatus probes the lifecycle tables for an id.
func (db *DB) GetDataItemStatus(ctx context.Context, dataItemID string) (*DataItemStatusInfo, error) {
	info := &DataItemStatusInfo{DataItemID: dataItemID}

	err := db.QueryRow(ctx, `
		SELECT assessed_winston_price, deadline_height FROM new_data_item WHERE data_item_id = $1
	`, dataItemID).Scan(&info.AssessedWinc, &info.DeadlineHeight)
	if err == nil {
		info.Status = DataItemStatusNew
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query new_data_item: %w", err)
	}

	err = db.QueryRow(ctx, `
		SELECT assessed_winston_price, deadline_height, plan_id FROM planned_data_item WHERE data_item_id = $1
	`, dataItemID).Scan(&info.AssessedWinc, &info.DeadlineHeight, &info.PlanID)
	if err == nil {
		info.Status = DataItemStatusPlanned
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query planned_data_item: %w", err)
	}

	err = db.QueryRow(ctx, `
		SELECT assessed_winston_price, plan_id, bundle_id, block_height
		FROM permanent_data_item WHERE data_item_id = $1
	`, dataItemID).Scan(&info.AssessedWinc, &info.PlanID, &info.BundleID, &info.BlockHeight)
	if err == nil {
		info.Status = DataItemStatusPermanent
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query permanent_data_item: %w", err)
	}

	err = db.QueryRow(ctx, `
		SELECT assessed_winston_price, failed_reason FROM failed_data_item WHERE data_item_id = $1
	`, dataItemID).Scan(&info.AssessedWinc, &info.FailedReason)
	if err == nil {
		info.Status = DataItemStatusFailed
		return info, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query failed_data_item: %w", err)
	}

	return nil, ErrDataItemNotFound
}

// DataItemExists reports whether the id is present in any lifecycle table.
func (db *DB) DataItemExists(ctx context.Context, dataItemID string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM new_data_item WHERE data_item_id = $1)
		    OR EXISTS (SELECT 1 FROM planned_data_item WHERE data_item_id = $1)
		    OR EXISTS (SELECT 1 FROM permanent_data_item WHERE data_item_id = $1)
		    OR EXISTS (SELECT 1 FROM failed_data_item WHERE data_item_id = $1)
	`, dataItemID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check data item existence: %w", err)
	}
	return exists, nil
}
