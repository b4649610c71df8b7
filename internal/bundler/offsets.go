package bundler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"permagate/internal/ans104"
	"permagate/internal/db"
	"permagate/internal/objectstore"
	"permagate/internal/queue"
)

// nestedOffsetTTL bounds how long child offset rows from an unbundle walk
// stay queryable before the expiry sweep reclaims them.
const nestedOffsetTTL = 14 * 24 * time.Hour

// handlePutOffsets upserts one batch of offset rows. Individual row
// failures are counted and skipped; the batch itself still completes.
func (e *Engine) handlePutOffsets(ctx context.Context, job *queue.Job) error {
	var payload offsetsJob
	if err := job.Unmarshal(&payload); err != nil {
		return queue.Fatal(err)
	}
	if len(payload.Offsets) == 0 {
		return nil
	}
	if len(payload.Offsets) > db.MaxOffsetBatchSize {
		return queue.Fatal(fmt.Errorf("offset batch of %d exceeds limit", len(payload.Offsets)))
	}

	failed, err := e.db.UpsertDataItemOffsets(ctx, payload.Offsets)
	if err != nil {
		return fmt.Errorf("failed to upsert offsets: %w", err)
	}
	if len(failed) > 0 {
		e.log.Warn("some offset rows failed to upsert",
			"failed", len(failed), "total", len(payload.Offsets))
	}
	return nil
}

// handleUnbundleBDI walks a bundle-carrying data item and emits offset
// rows for its children, addressed relative to the parent payload. The
// rows carry a TTL; the parent's own row keeps its permanent mapping.
func (e *Engine) handleUnbundleBDI(ctx context.Context, job *queue.Job) error {
	var payload unbundleJob
	if err := job.Unmarshal(&payload); err != nil {
		return queue.Fatal(err)
	}
	parentID := payload.DataItemID

	rc, _, err := e.store.Get(ctx, RawDataItemKey(parentID))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			// The parent was rejected or already swept.
			return queue.Fatal(err)
		}
		return fmt.Errorf("failed to read parent item %s: %w", parentID, err)
	}
	defer rc.Close()

	// Re-decoding the envelope leaves the reader at the bundle payload.
	if _, err := ans104.Parse(rc); err != nil {
		return queue.Fatal(fmt.Errorf("parent %s envelope unreadable: %w", parentID, err))
	}

	expires := time.Now().UTC().Add(nestedOffsetTTL)
	batch := make([]db.DataItemOffset, 0, db.MaxOffsetBatchSize)
	batchIndex := 0
	children := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		key := fmt.Sprintf("unbundle-%s-%d", parentID, batchIndex)
		if _, err := e.queue.EnqueueUnique(ctx, queuePutOffsets, key, offsetsJob{Offsets: batch}); err != nil {
			return fmt.Errorf("failed to enqueue child offsets: %w", err)
		}
		batchIndex++
		batch = make([]db.DataItemOffset, 0, db.MaxOffsetBatchSize)
		return nil
	}

	err = ans104.WalkBundle(rc, func(item ans104.NestedItem) error {
		start := item.Offset
		batch = append(batch, db.DataItemOffset{
			DataItemID:                 item.Info.Id,
			ParentDataItemID:           &parentID,
			StartOffsetInParentPayload: &start,
			RawContentLength:           item.Size,
			PayloadDataStart:           item.Info.PayloadStart,
			PayloadContentType:         item.Info.ContentType,
			ExpiresAt:                  &expires,
		})
		children++

		if e.cfg.Optical.Enabled {
			if err := e.queue.Enqueue(ctx, queueOpticalPost, opticalJobForNested(item)); err != nil {
				e.log.Error("failed to enqueue optical-post for nested item",
					"data_item_id", item.Info.Id, "error", err)
			}
		}

		if len(batch) == db.MaxOffsetBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ans104.ErrInvalidEnvelope) {
			// Tagged as a bundle but not one; nothing to index.
			e.log.Warn("data item tagged as bundle has no valid bundle payload",
				"data_item_id", parentID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to walk bundle %s: %w", parentID, err)
	}

	if err := flush(); err != nil {
		return err
	}

	e.log.Info("nested bundle indexed", "parent", parentID, "children", children)
	return nil
}

func opticalJobForNested(item ans104.NestedItem) opticalJob {
	tags := make([]opticalTag, len(item.Info.Tags))
	for i, t := range item.Info.Tags {
		tags[i] = opticalTag{Name: t.Name, Value: t.Value}
	}
	return opticalJob{
		ID:           item.Info.Id,
		Signature:    encodeB64(item.Info.Signature),
		Owner:        encodeB64(item.Info.Owner),
		OwnerAddress: item.Info.OwnerAddress,
		Target:       item.Info.Target,
		ContentType:  item.Info.ContentType,
		DataSize:     item.Size - item.Info.PayloadStart,
		Tags:         tags,
	}
}
