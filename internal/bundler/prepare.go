package bundler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"permagate/internal/ans104"
	"permagate/internal/db"
	"permagate/internal/objectstore"
	"permagate/internal/queue"
)

func bundleObjectOptions() objectstore.PutOptions {
	return objectstore.PutOptions{ContentType: "application/octet-stream"}
}

// handlePrepareBundle assembles the bundle binary for one plan and writes
// it to the object store. Re-runs overwrite the same key with the same
// bytes: the item order is total and the header is a pure function of it.
func (e *Engine) handlePrepareBundle(ctx context.Context, job *queue.Job) error {
	var payload planJob
	if err := job.Unmarshal(&payload); err != nil {
		return queue.Fatal(err)
	}
	planID := payload.PlanID

	bundle, err := e.db.GetBundle(ctx, planID)
	if err != nil {
		if errors.Is(err, db.ErrBundleNotFound) {
			return queue.Fatal(err)
		}
		return err
	}

	switch bundle.Status {
	case db.BundleStatusPlanned:
		// Fall through to build.
	case db.BundleStatusPrepared:
		// Built but the post enqueue may have been lost; re-issue it.
		return e.enqueuePost(ctx, planID)
	default:
		return nil
	}

	items, err := e.db.GetPlannedDataItems(ctx, planID)
	if err != nil {
		return fmt.Errorf("failed to load planned items for %s: %w", planID, err)
	}
	if len(items) == 0 {
		return queue.Fatal(fmt.Errorf("plan %s has no items", planID))
	}

	headerSize := ans104.BundleHeaderSize(len(items))
	totalSize := headerSize
	entries := make([]ans104.BundleEntry, len(items))
	for i, item := range items {
		entries[i] = ans104.BundleEntry{Id: item.DataItemID, Size: item.ByteCount}
		totalSize += item.ByteCount
	}

	if err := e.writeBundlePayload(ctx, planID, entries, items, totalSize); err != nil {
		return err
	}

	err = e.db.MarkBundlePrepared(ctx, planID, totalSize, headerSize)
	if err != nil && !errors.Is(err, db.ErrBundleTransition) {
		return fmt.Errorf("failed to mark bundle prepared: %w", err)
	}

	e.log.Info("bundle prepared", "plan_id", planID, "items", len(items), "bytes", totalSize)
	return e.enqueuePost(ctx, planID)
}

// writeBundlePayload streams header plus items into the bundle object.
// Items are pulled from the object store one at a time so the bundle
// never materializes in memory.
func (e *Engine) writeBundlePayload(ctx context.Context, planID uuid.UUID, entries []ans104.BundleEntry, items []*db.DataItem, totalSize int64) error {
	pr, pw := io.Pipe()

	go func() {
		if err := ans104.WriteBundleHeader(pw, entries); err != nil {
			pw.CloseWithError(err) //nolint:errcheck
			return
		}
		for _, item := range items {
			if err := e.copyStoredItem(ctx, pw, item); err != nil {
				pw.CloseWithError(err) //nolint:errcheck
				return
			}
		}
		pw.Close() //nolint:errcheck
	}()

	if err := e.store.Put(ctx, BundlePayloadKey(planID), pr, totalSize, bundleObjectOptions()); err != nil {
		pr.CloseWithError(err) //nolint:errcheck
		return fmt.Errorf("failed to write bundle payload for %s: %w", planID, err)
	}
	return nil
}

func (e *Engine) copyStoredItem(ctx context.Context, w io.Writer, item *db.DataItem) error {
	rc, info, err := e.store.Get(ctx, RawDataItemKey(item.DataItemID))
	if err != nil {
		return fmt.Errorf("failed to read item %s: %w", item.DataItemID, err)
	}
	defer rc.Close()

	if info.Size != item.ByteCount {
		return fmt.Errorf("item %s is %d bytes in store, %d in database",
			item.DataItemID, info.Size, item.ByteCount)
	}

	n, err := io.Copy(w, io.LimitReader(rc, item.ByteCount))
	if err != nil {
		return fmt.Errorf("failed to copy item %s: %w", item.DataItemID, err)
	}
	if n != item.ByteCount {
		return fmt.Errorf("item %s truncated at %d of %d bytes", item.DataItemID, n, item.ByteCount)
	}
	return nil
}

func (e *Engine) enqueuePost(ctx context.Context, planID uuid.UUID) error {
	if _, err := e.queue.EnqueueUnique(ctx, queuePostBundle, "post-"+planID.String(),
		planJob{PlanID: planID}); err != nil {
		return fmt.Errorf("failed to enqueue post-bundle: %w", err)
	}
	return nil
}
