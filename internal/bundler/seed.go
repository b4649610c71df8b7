package bundler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"permagate/internal/arweave"
	"permagate/internal/db"
	"permagate/internal/gateway"
	"permagate/internal/queue"
)

// handleSeedBundle uploads the bundle's chunks to the gateway. Chunks are
// content-addressed, so a retried job re-uploading earlier chunks is
// harmless. Fatal chunk rejections fail the plan.
func (e *Engine) handleSeedBundle(ctx context.Context, job *queue.Job) error {
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
	if bundle.Status != db.BundleStatusPosted {
		return nil
	}

	key := BundlePayloadKey(planID)

	// First pass rebuilds the Merkle tree, second pass streams the chunk
	// bytes. The bundle object never fits in memory.
	rc, info, err := e.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read bundle payload for %s: %w", planID, err)
	}
	chunks, err := arweave.GenerateChunks(rc, info.Size)
	rc.Close() //nolint:errcheck
	if err != nil {
		return fmt.Errorf("failed to chunk bundle payload for %s: %w", planID, err)
	}

	rc, _, err = e.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to reopen bundle payload for %s: %w", planID, err)
	}
	defer rc.Close()

	buf := make([]byte, arweave.MaxChunkSize)
	for i, chunk := range chunks.Chunks {
		data := buf[:chunk.MaxByteRange-chunk.MinByteRange]
		if _, err := io.ReadFull(rc, data); err != nil {
			return fmt.Errorf("failed to read chunk %d of %s: %w", i, planID, err)
		}

		upload := arweave.BuildChunkUpload(chunks, i, data)
		if err := e.gw.PostChunk(ctx, &upload); err != nil {
			if gateway.IsFatalChunkError(err) {
				return e.failPlan(ctx, planID, err.Error())
			}
			return fmt.Errorf("failed to seed chunk %d of %s: %w", i, planID, err)
		}
	}

	if err := e.db.MarkBundleSeeded(ctx, planID); err != nil {
		if errors.Is(err, db.ErrBundleTransition) {
			return nil
		}
		return fmt.Errorf("failed to mark bundle seeded: %w", err)
	}

	e.log.Info("bundle seeded", "plan_id", planID, "chunks", len(chunks.Chunks))
	return nil
}
