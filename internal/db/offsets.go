package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// MaxOffsetBatchSize caps the rows accepted per put-offsets batch.
const MaxOffsetBatchSize = 500

// ErrOffsetNotFound is returned when no offsets row exists for an id.
// Offsets are populated lazily; callers must tolerate absence.
var ErrOffsetNotFound = errors.New("data item offset not found")

// DataItemOffset maps a data item id to its position inside the root bundle,
// and for nested items, inside the parent payload.
type DataItemOffset struct {
	DataItemID                 string     `json:"dataItemId"`
	RootBundleID               *string    `json:"rootBundleId,omitempty"`
	StartOffsetInRootBundle    *int64     `json:"startOffsetInRootBundle,omitempty"`
	RawContentLength           int64      `json:"rawContentLength"`
	PayloadDataStart           int64      `json:"payloadDataStart"`
	PayloadContentType         string     `json:"payloadContentType"`
	ParentDataItemID           *string    `json:"parentDataItemId,omitempty"`
	StartOffsetInParentPayload *int64     `json:"startOffsetInParentPayload,omitempty"`
	ExpiresAt                  *time.Time `json:"expiresAt,omitempty"`
}

// UpsertDataItemOffsets writes a batch of offset rows keyed by data item id.
// Nullable columns only ever gain values on conflict, so a delayed partial
// row (ingest writes id and lengths, post-bundle adds the root position)
// cannot erase what a later stage already recorded. Rows that fail
// individually are skipped and their ids returned; they do not poison the
// rest of the batch. Re-running the same batch is a no-op.
func (db *DB) UpsertDataItemOffsets(ctx context.Context, offsets []DataItemOffset) ([]string, error) {
	if len(offsets) > MaxOffsetBatchSize {
		return nil, fmt.Errorf("offset batch of %d exceeds limit of %d", len(offsets), MaxOffsetBatchSize)
	}

	var failed []string
	for _, o := range offsets {
		_, err := db.pool.Exec(ctx, `
			INSERT INTO data_item_offsets (
				data_item_id, root_bundle_id, start_offset_in_root_bundle,
				raw_content_length, payload_data_start, payload_content_type,
				parent_data_item_id, start_offset_in_parent_payload, expires_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (data_item_id) DO UPDATE SET
				root_bundle_id = COALESCE(EXCLUDED.root_bundle_id, data_item_offsets.root_bundle_id),
				start_offset_in_root_bundle = COALESCE(EXCLUDED.start_offset_in_root_bundle, data_item_offsets.start_offset_in_root_bundle),
				raw_content_length = EXCLUDED.raw_content_length,
				payload_data_start = EXCLUDED.payload_data_start,
				payload_content_type = EXCLUDED.payload_content_type,
				parent_data_item_id = COALESCE(EXCLUDED.parent_data_item_id, data_item_offsets.parent_data_item_id),
				start_offset_in_parent_payload = COALESCE(EXCLUDED.start_offset_in_parent_payload, data_item_offsets.start_offset_in_parent_payload),
				expires_at = COALESCE(EXCLUDED.expires_at, data_item_offsets.expires_at),
				updated_at = NOW()
		`, o.DataItemID, o.RootBundleID, o.StartOffsetInRootBundle,
			o.RawContentLength, o.PayloadDataStart, o.PayloadContentType,
			o.ParentDataItemID, o.StartOffsetInParentPayload, o.ExpiresAt)
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			failed = append(failed, o.DataItemID)
		}
	}

	return failed, nil
}

// GetDataItemOffset returns the offsets row for one data item.
func (db *DB) GetDataItemOffset(ctx context.Context, dataItemID string) (*DataItemOffset, error) {
	o := &DataItemOffset{}
	err := db.QueryRow(ctx, `
		SELECT data_item_id, root_bundle_id, start_offset_in_root_bundle,
		       raw_content_length, payload_data_start, payload_content_type,
		       parent_data_item_id, start_offset_in_parent_payload, expires_at
		FROM data_item_offsets
		WHERE data_item_id = $1
	`, dataItemID).Scan(
		&o.DataItemID, &o.RootBundleID, &o.StartOffsetInRootBundle,
		&o.RawContentLength, &o.PayloadDataStart, &o.PayloadContentType,
		&o.ParentDataItemID, &o.StartOffsetInParentPayload, &o.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOffsetNotFound
		}
		return nil, fmt.Errorf("failed to get data item offset: %w", err)
	}

	return o, nil
}

// GetOffsetsByRootBundle returns all offset rows recorded under one root
// bundle transaction.
func (db *DB) GetOffsetsByRootBundle(ctx context.Context, rootBundleID string) ([]*DataItemOffset, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT data_item_id, root_bundle_id, start_offset_in_root_bundle,
		       raw_content_length, payload_data_start, payload_content_type,
		       parent_data_item_id, start_offset_in_parent_payload, expires_at
		FROM data_item_offsets
		WHERE root_bundle_id = $1
		ORDER BY start_offset_in_root_bundle ASC NULLS LAST
	`, rootBundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get offsets by root bundle: %w", err)
	}
	defer rows.Close()

	var offsets []*DataItemOffset
	for rows.Next() {
		o := &DataItemOffset{}
		if err := rows.Scan(
			&o.DataItemID, &o.RootBundleID, &o.StartOffsetInRootBundle,
			&o.RawContentLength, &o.PayloadDataStart, &o.PayloadContentType,
			&o.ParentDataItemID, &o.StartOffsetInParentPayload, &o.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan offset: %w", err)
		}
		offsets = append(offsets, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offsets: %w", err)
	}

	return offsets, nil
}

// DeleteExpiredOffsets removes nested-item offset rows whose TTL passed.
func (db *DB) DeleteExpiredOffsets(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		DELETE FROM data_item_offsets
		WHERE expires_at IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired offsets: %w", err)
	}
	return tag.RowsAffected(), nil
}
