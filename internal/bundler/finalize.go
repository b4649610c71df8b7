package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"permagate/internal/ans104"
	"permagate/internal/arweave"
	"permagate/internal/db"
	"permagate/internal/objectstore"
	"permagate/internal/payclient"
	"permagate/internal/queue"
	"permagate/internal/winston"
)

// handleFinalizeUpload turns a claimed multipart upload into a registered
// data item: assemble the parts, validate the envelope, charge the owner,
// copy into raw storage and record the signed receipt. Validation
// failures mark the upload failed; everything else retries.
func (e *Engine) handleFinalizeUpload(ctx context.Context, job *queue.Job) error {
	var payload finalizeJob
	if err := job.Unmarshal(&payload); err != nil {
		return queue.Fatal(err)
	}

	mu, err := e.db.GetMultipartUpload(ctx, payload.UploadID)
	if err != nil {
		if errors.Is(err, db.ErrMultipartNotFound) {
			return queue.Fatal(err)
		}
		return err
	}

	switch mu.Status {
	case db.MultipartStatusFinalized:
		// A crash between recording the finalize and deleting the staged
		// object leaves it behind; the retry sweeps it up.
		if err := e.store.Delete(ctx, mu.S3Key); err != nil {
			e.log.Warn("failed to delete staged multipart object", "key", mu.S3Key, "error", err)
		}
		return nil
	case db.MultipartStatusFailed:
		return nil
	case db.MultipartStatusFinalizing:
	default:
		return queue.Fatal(fmt.Errorf("upload %s is %s, not claimed for finalize", mu.UploadID, mu.Status))
	}

	reject, err := e.finalizeUpload(ctx, mu)
	if err != nil {
		return err
	}
	if reject != "" {
		e.log.Warn("multipart finalize rejected", "upload_id", mu.UploadID, "reason", reject)
		if err := e.db.FailMultipartUpload(ctx, mu.UploadID, reject); err != nil {
			return fmt.Errorf("failed to record finalize rejection: %w", err)
		}
	}
	return nil
}

// finalizeUpload runs the finalize pipeline. A non-empty reject reason
// means the upload itself is invalid and must be failed; an error means
// the attempt should be retried.
func (e *Engine) finalizeUpload(ctx context.Context, mu *db.MultipartUpload) (string, error) {
	if _, err := e.store.Head(ctx, mu.S3Key); err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			return "", fmt.Errorf("failed to stat staged upload: %w", err)
		}
		reject, err := e.assembleMultipart(ctx, mu)
		if err != nil || reject != "" {
			return reject, err
		}
	}

	rc, _, err := e.store.Get(ctx, mu.S3Key)
	if err != nil {
		return "", fmt.Errorf("failed to read staged upload: %w", err)
	}

	item, err := ans104.Parse(rc)
	if err != nil {
		rc.Close()
		return "assembled upload is not a valid data item: " + err.Error(), nil
	}
	hasher := arweave.NewBlobHasher()
	if _, err := io.Copy(hasher, rc); err != nil {
		rc.Close()
		return "", fmt.Errorf("failed to hash staged payload: %w", err)
	}
	rc.Close()
	size := item.PayloadStart + hasher.Size()

	if size > e.cfg.Upload.MaxDataItemSize {
		return fmt.Sprintf("data item of %d bytes exceeds the %d byte limit", size, e.cfg.Upload.MaxDataItemSize), nil
	}
	if e.Blocklisted(item.OwnerAddress) {
		return "owner address is blocked", nil
	}
	if e.cfg.Upload.VerifySignatures {
		if err := ans104.VerifySignature(item, hasher.Sum()); err != nil {
			if !errors.Is(err, ans104.ErrVerifyUnsupported) {
				return "signature verification failed", nil
			}
			e.log.Debug("accepting unverifiable signature type",
				"data_item_id", item.Id, "sig_type", item.SignatureType.String())
		}
	}

	price := winston.Zero()
	if size > e.cfg.Upload.FreeUploadLimit && !e.Allowlisted(item.OwnerAddress) {
		res, err := e.payment.ReserveBalance(ctx, payclient.ReserveBalanceParams{
			DataItemID:  item.Id,
			Address:     item.OwnerAddress,
			AddressType: item.SignatureType.String(),
			ByteCount:   size,
			SigType:     item.SignatureType,
		})
		if err != nil {
			return "", fmt.Errorf("failed to reserve balance for %s: %w", item.Id, err)
		}
		if !res.IsReserved {
			return "insufficient balance", nil
		}
		price = res.CostOfDataItem
	}

	rc, _, err = e.store.Get(ctx, mu.S3Key)
	if err != nil {
		return "", fmt.Errorf("failed to re-read staged upload: %w", err)
	}
	err = e.StoreRawDataItem(ctx, StoreItemParams{
		DataItemID:       item.Id,
		ContentType:      item.ContentType,
		PayloadDataStart: item.PayloadStart,
		Size:             size,
		Body:             rc,
	})
	rc.Close()
	if err != nil {
		return "", err
	}

	deadline, err := e.DeadlineHeight(ctx)
	if err != nil {
		return "", err
	}

	row := &db.DataItem{
		DataItemID:           item.Id,
		OwnerPublicAddress:   item.OwnerAddress,
		ByteCount:            size,
		AssessedWinstonPrice: price,
		SignatureType:        int(item.SignatureType),
		Signature:            item.Signature,
		PayloadDataStart:     item.PayloadStart,
		PayloadContentType:   item.ContentType,
		PremiumFeatureType:   e.PremiumFeatureFor(item.OwnerAddress),
		DeadlineHeight:       deadline,
		UploadedDate:         time.Now().UTC(),
	}
	if _, err := e.RegisterDataItem(ctx, row, item); err != nil {
		return "", fmt.Errorf("failed to register data item %s: %w", item.Id, err)
	}

	receipt, err := e.SignReceipt(item.Id, price.String(), deadline)
	if err != nil {
		return "", err
	}
	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}

	if err := e.db.CompleteMultipartFinalize(ctx, mu.UploadID, item.Id, receiptJSON); err != nil {
		if errors.Is(err, db.ErrMultipartConflict) {
			return "", nil
		}
		return "", err
	}

	if err := e.store.Delete(ctx, mu.S3Key); err != nil {
		e.log.Warn("failed to delete staged multipart object", "key", mu.S3Key, "error", err)
	}

	e.log.Info("multipart upload finalized",
		"upload_id", mu.UploadID, "data_item_id", item.Id, "byte_count", size)
	return "", nil
}

// assembleMultipart completes the store-side multipart upload from the
// recorded parts. Parts must be contiguous from 1.
func (e *Engine) assembleMultipart(ctx context.Context, mu *db.MultipartUpload) (string, error) {
	if mu.S3UploadID == nil {
		return "no parts were uploaded", nil
	}

	parts, err := e.db.GetMultipartParts(ctx, mu.UploadID)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "no parts were uploaded", nil
	}

	completed := make([]objectstore.CompletedPart, len(parts))
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return fmt.Sprintf("part %d was never uploaded", i+1), nil
		}
		completed[i] = objectstore.CompletedPart{
			PartNumber: int32(p.PartNumber),
			ETag:       p.ETag,
			Size:       p.Size,
		}
	}

	if err := e.store.CompleteMultipartUpload(ctx, mu.S3Key, *mu.S3UploadID, completed); err != nil {
		return "", fmt.Errorf("failed to assemble multipart object: %w", err)
	}
	return "", nil
}
