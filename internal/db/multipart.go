package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MultipartStatus tracks a chunked upload through finalization.
type MultipartStatus string

const (
	MultipartStatusCreated    MultipartStatus = "created"
	MultipartStatusFinalizing MultipartStatus = "finalizing"
	MultipartStatusFinalized  MultipartStatus = "finalized"
	MultipartStatusFailed     MultipartStatus = "failed"
)

var (
	// ErrMultipartNotFound is returned for unknown upload ids.
	ErrMultipartNotFound = errors.New("multipart upload not found")
	// ErrMultipartConflict is returned when finalize is requested for an
	// upload that is already finalizing or finalized.
	ErrMultipartConflict = errors.New("multipart upload already finalizing")
)

// MultipartUpload is one row of the multipart_upload table.
type MultipartUpload struct {
	UploadID          uuid.UUID       `json:"uploadId"`
	S3Key             string          `json:"-"`
	S3UploadID        *string         `json:"-"`
	ChunkSize         int64           `json:"chunkSize"`
	ExpectedByteCount *int64          `json:"expectedByteCount,omitempty"`
	FinalizeToken     string          `json:"-"`
	Status            MultipartStatus `json:"status"`
	DataItemID        *string         `json:"dataItemId,omitempty"`
	FailedReason      *string         `json:"failedReason,omitempty"`
	Receipt           json.RawMessage `json:"receipt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	ExpiresAt         time.Time       `json:"expiresAt"`
}

// MultipartPart is one uploaded part.
type MultipartPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// CreateMultipartUpload records a new chunked upload.
func (db *DB) CreateMultipartUpload(ctx context.Context, mu *MultipartUpload) error {
	if mu.UploadID == uuid.Nil {
		mu.UploadID = uuid.New()
	}
	mu.Status = MultipartStatusCreated
	mu.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx, `
		INSERT INTO multipart_upload (
			upload_id, s3_key, s3_upload_id, chunk_size, expected_byte_count,
			finalize_token, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, mu.UploadID, mu.S3Key, mu.S3UploadID, mu.ChunkSize, mu.ExpectedByteCount,
		mu.FinalizeToken, mu.Status, mu.CreatedAt, mu.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}

	return nil
}

// GetMultipartUpload retrieves one upload by id.
func (db *DB) GetMultipartUpload(ctx context.Context, uploadID uuid.UUID) (*MultipartUpload, error) {
	mu := &MultipartUpload{}
	err := db.QueryRow(ctx, `
		SELECT upload_id, s3_key, s3_upload_id, chunk_size, expected_byte_count,
		       finalize_token, status, data_item_id, failed_reason, receipt, created_at, expires_at
		FROM multipart_upload
		WHERE upload_id = $1
	`, uploadID).Scan(
		&mu.UploadID, &mu.S3Key, &mu.S3UploadID, &mu.ChunkSize, &mu.ExpectedByteCount,
		&mu.FinalizeToken, &mu.Status, &mu.DataItemID, &mu.FailedReason, &mu.Receipt, &mu.CreatedAt, &mu.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMultipartNotFound
		}
		return nil, fmt.Errorf("failed to get multipart upload: %w", err)
	}

	return mu, nil
}

// RecordMultipartPart upserts one part row. Re-uploading a part number
// replaces the previous part.
func (db *DB) RecordMultipartPart(ctx context.Context, uploadID uuid.UUID, part MultipartPart) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO multipart_part (upload_id, part_number, etag, part_size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET
			etag = EXCLUDED.etag,
			part_size = EXCLUDED.part_size,
			uploaded_at = NOW()
	`, uploadID, part.PartNumber, part.ETag, part.Size)
	if err != nil {
		return fmt.Errorf("failed to record multipart part: %w", err)
	}
	return nil
}

// GetMultipartParts returns the parts of an upload ordered by part number.
func (db *DB) GetMultipartParts(ctx context.Context, uploadID uuid.UUID) ([]MultipartPart, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT part_number, etag, part_size
		FROM multipart_part
		WHERE upload_id = $1
		ORDER BY part_number ASC
	`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get multipart parts: %w", err)
	}
	defer rows.Close()

	var parts []MultipartPart
	for rows.Next() {
		var p MultipartPart
		if err := rows.Scan(&p.PartNumber, &p.ETag, &p.Size); err != nil {
			return nil, fmt.Errorf("failed to scan multipart part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating multipart parts: %w", err)
	}

	return parts, nil
}

// StartMultipartFinalize claims the upload for finalization. Only one
// finalize wins; a second call returns ErrMultipartConflict.
func (db *DB) StartMultipartFinalize(ctx context.Context, uploadID uuid.UUID, finalizeToken string) (*MultipartUpload, error) {
	mu, err := db.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if mu.FinalizeToken != finalizeToken {
		return nil, errors.New("finalize token mismatch")
	}

	tag, err := db.pool.Exec(ctx, `
		UPDATE multipart_upload
		SET status = 'finalizing'
		WHERE upload_id = $1 AND status = 'created'
	`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to start multipart finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrMultipartConflict
	}

	mu.Status = MultipartStatusFinalizing
	return mu, nil
}

// CompleteMultipartFinalize records the resulting data item id and the
// signed receipt served by the status endpoint.
func (db *DB) CompleteMultipartFinalize(ctx context.Context, uploadID uuid.UUID, dataItemID string, receipt json.RawMessage) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE multipart_upload
		SET status = 'finalized', data_item_id = $2, receipt = $3
		WHERE upload_id = $1 AND status = 'finalizing'
	`, uploadID, dataItemID, receipt)
	if err != nil {
		return fmt.Errorf("failed to complete multipart finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMultipartConflict
	}
	return nil
}

// FailMultipartUpload records a finalization failure. The upload can be
// retried via a fresh finalize once the status is reset by the worker.
func (db *DB) FailMultipartUpload(ctx context.Context, uploadID uuid.UUID, reason string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE multipart_upload
		SET status = 'failed', failed_reason = $2
		WHERE upload_id = $1
	`, uploadID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail multipart upload: %w", err)
	}
	return nil
}

// SetMultipartS3Upload stores the object-store multipart upload id once the
// store-side upload is created.
func (db *DB) SetMultipartS3Upload(ctx context.Context, uploadID uuid.UUID, s3UploadID string) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE multipart_upload SET s3_upload_id = $2 WHERE upload_id = $1
	`, uploadID, s3UploadID)
	if err != nil {
		return fmt.Errorf("failed to set s3 upload id: %w", err)
	}
	return nil
}

// GetExpiredMultipartUploads returns stale uploads that never finalized.
func (db *DB) GetExpiredMultipartUploads(ctx context.Context, limit int) ([]*MultipartUpload, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, `
		SELECT upload_id, s3_key, s3_upload_id, chunk_size, expected_byte_count,
		       finalize_token, status, data_item_id, failed_reason, receipt, created_at, expires_at
		FROM multipart_upload
		WHERE expires_at < NOW() AND status IN ('created', 'failed')
		ORDER BY expires_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get expired multipart uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*MultipartUpload
	for rows.Next() {
		mu := &MultipartUpload{}
		if err := rows.Scan(
			&mu.UploadID, &mu.S3Key, &mu.S3UploadID, &mu.ChunkSize, &mu.ExpectedByteCount,
			&mu.FinalizeToken, &mu.Status, &mu.DataItemID, &mu.FailedReason, &mu.Receipt, &mu.CreatedAt, &mu.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan multipart upload: %w", err)
		}
		uploads = append(uploads, mu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating multipart uploads: %w", err)
	}

	return uploads, nil
}

// DeleteMultipartUpload removes the upload and its parts.
func (db *DB) DeleteMultipartUpload(ctx context.Context, uploadID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM multipart_upload WHERE upload_id = $1
	`, uploadID)
	if err != nil {
		return fmt.Errorf("failed to delete multipart upload: %w", err)
	}
	return nil
}
