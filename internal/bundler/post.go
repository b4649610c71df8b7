package bundler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"permagate/internal/ans104"
	"permagate/internal/arweave"
	"permagate/internal/db"
	"permagate/internal/gateway"
	"permagate/internal/queue"
)

var bundleTxTags = []arweave.TxTag{
	{Name: "App-Name", Value: "Permagate"},
	{Name: "Bundle-Format", Value: "binary"},
	{Name: "Bundle-Version", Value: "2.0.0"},
}

// handlePostBundle signs and posts the bundle transaction. A gateway 4xx
// is terminal for the plan; everything else retries. The posted height is
// sampled before the post so a crash between post and record cannot skew
// the verification window.
func (e *Engine) handlePostBundle(ctx context.Context, job *queue.Job) error {
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
	case db.BundleStatusPrepared:
		// Fall through to post.
	case db.BundleStatusPosted:
		// Posted but the follow-up enqueues may have been lost.
		return e.afterPost(ctx, planID, *bundle.BundleID)
	default:
		return nil
	}

	rc, info, err := e.store.Get(ctx, BundlePayloadKey(planID))
	if err != nil {
		return fmt.Errorf("failed to read bundle payload for %s: %w", planID, err)
	}
	chunks, err := arweave.GenerateChunks(rc, info.Size)
	rc.Close() //nolint:errcheck
	if err != nil {
		return fmt.Errorf("failed to chunk bundle payload for %s: %w", planID, err)
	}

	reward, err := e.gw.GetPriceForBytes(ctx, info.Size)
	if err != nil {
		return fmt.Errorf("failed to price bundle %s: %w", planID, err)
	}
	anchor, err := e.gw.GetTxAnchor(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tx anchor: %w", err)
	}
	height, err := e.gw.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block height: %w", err)
	}

	tx := arweave.NewDataTransaction(e.wallet, anchor, chunks, reward.String(), bundleTxTags)
	if err := tx.Sign(e.wallet); err != nil {
		return fmt.Errorf("failed to sign bundle tx for %s: %w", planID, err)
	}

	if err := e.gw.PostTx(ctx, tx); err != nil {
		if gateway.IsTxRejected(err) {
			return e.failPlan(ctx, planID, err.Error())
		}
		return fmt.Errorf("failed to post bundle tx for %s: %w", planID, err)
	}

	if err := e.db.MarkBundlePosted(ctx, planID, tx.Id, reward, info.Size, height); err != nil {
		if errors.Is(err, db.ErrBundleTransition) {
			return nil
		}
		return fmt.Errorf("failed to mark bundle posted: %w", err)
	}

	e.log.Info("bundle posted",
		"plan_id", planID,
		"bundle_id", tx.Id,
		"reward", reward.String(),
		"bytes", info.Size,
		"height", height)

	return e.afterPost(ctx, planID, tx.Id)
}

// afterPost enqueues seeding and the root offset rows for a posted bundle.
func (e *Engine) afterPost(ctx context.Context, planID uuid.UUID, bundleID string) error {
	if _, err := e.queue.EnqueueUnique(ctx, queueSeedBundle, "seed-"+planID.String(),
		planJob{PlanID: planID}); err != nil {
		return fmt.Errorf("failed to enqueue seed-bundle: %w", err)
	}
	return e.enqueueRootOffsets(ctx, planID, bundleID)
}

// enqueueRootOffsets emits put-offsets batches mapping every planned item
// to its absolute position inside the posted bundle. The walk mirrors the
// prepare order exactly.
func (e *Engine) enqueueRootOffsets(ctx context.Context, planID uuid.UUID, bundleID string) error {
	items, err := e.db.GetPlannedDataItems(ctx, planID)
	if err != nil {
		return fmt.Errorf("failed to load planned items for %s: %w", planID, err)
	}

	offset := ans104.BundleHeaderSize(len(items))
	batch := make([]db.DataItemOffset, 0, db.MaxOffsetBatchSize)
	batchIndex := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		key := fmt.Sprintf("offsets-%s-%d", planID, batchIndex)
		if _, err := e.queue.EnqueueUnique(ctx, queuePutOffsets, key, offsetsJob{Offsets: batch}); err != nil {
			return fmt.Errorf("failed to enqueue put-offsets: %w", err)
		}
		batchIndex++
		batch = make([]db.DataItemOffset, 0, db.MaxOffsetBatchSize)
		return nil
	}

	for _, item := range items {
		start := offset
		batch = append(batch, db.DataItemOffset{
			DataItemID:              item.DataItemID,
			RootBundleID:            &bundleID,
			StartOffsetInRootBundle: &start,
			RawContentLength:        item.ByteCount,
			PayloadDataStart:        item.PayloadDataStart,
			PayloadContentType:      item.PayloadContentType,
		})
		offset += item.ByteCount

		if len(batch) == db.MaxOffsetBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
