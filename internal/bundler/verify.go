package bundler

import (
	"context"
	"errors"
	"fmt"

	"permagate/internal/db"
	"permagate/internal/gateway"
	"permagate/internal/queue"
)

const verifyBatchSize = 100

// handleVerifyBundle polls the gateway for every outstanding bundle and
// advances or fails it. One bad bundle is logged and skipped so a single
// flaky transaction cannot stall the whole scan.
func (e *Engine) handleVerifyBundle(ctx context.Context, _ *queue.Job) error {
	height, err := e.gw.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block height: %w", err)
	}

	bundles, err := e.db.GetBundlesToVerify(ctx, verifyBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list bundles to verify: %w", err)
	}

	for _, bundle := range bundles {
		if err := e.verifyBundle(ctx, height, bundle); err != nil {
			e.log.Error("bundle verification failed",
				"plan_id", bundle.PlanID, "error", err)
		}
	}
	return nil
}

func (e *Engine) verifyBundle(ctx context.Context, height int64, bundle *db.Bundle) error {
	if bundle.BundleID == nil || bundle.PostedHeight == nil {
		return fmt.Errorf("bundle %s has no posted transaction", bundle.PlanID)
	}

	status, err := e.gw.GetTxStatus(ctx, *bundle.BundleID)
	if errors.Is(err, gateway.ErrTxNotFound) {
		// The gateway no longer knows the transaction: it was dropped
		// from the mempool. Give it the drop window before replanning.
		if height > *bundle.PostedHeight+e.cfg.Bundling.DropBundleTxThreshold {
			return e.failPlan(ctx, bundle.PlanID, "bundle transaction dropped by the network")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get tx status for %s: %w", *bundle.BundleID, err)
	}

	if status.Pending {
		// Accepted but unmined. Past the re-post window the items go
		// back through planning rather than waiting forever.
		if height > *bundle.PostedHeight+e.cfg.Bundling.RePostDataItemThreshold {
			return e.failPlan(ctx, bundle.PlanID, "bundle transaction unmined past the re-post window")
		}
		return nil
	}

	switch {
	case status.Confirmations >= e.cfg.Bundling.TxPermanentThreshold:
		return e.finishBundle(ctx, bundle, status.BlockHeight)

	case status.Confirmations >= e.cfg.Bundling.TxConfirmationThreshold:
		err := e.db.MarkBundleConfirmed(ctx, bundle.PlanID, status.BlockHeight)
		if err != nil && !errors.Is(err, db.ErrBundleTransition) {
			return fmt.Errorf("failed to mark bundle confirmed: %w", err)
		}
		return nil
	}
	return nil
}

// finishBundle moves the bundle and its items to permanent, consumes the
// credit reservations of every contained item and drops the now-redundant
// bundle object.
func (e *Engine) finishBundle(ctx context.Context, bundle *db.Bundle, blockHeight int64) error {
	moved, err := e.db.MarkBundlePermanent(ctx, bundle.PlanID, blockHeight)
	if err != nil {
		return fmt.Errorf("failed to mark bundle permanent: %w", err)
	}
	if moved == nil {
		// Another verifier already finished this bundle.
		return nil
	}

	e.log.Info("bundle permanent",
		"plan_id", bundle.PlanID,
		"bundle_id", *bundle.BundleID,
		"block_height", blockHeight,
		"items", len(moved))

	// Reservation finalization is best-effort here: reservations that
	// slip through are reclaimed by the payment service's expiry sweep.
	for _, id := range moved {
		if _, err := e.payment.FinalizeReservation(ctx, id, false); err != nil {
			e.log.Error("failed to consume reservation",
				"data_item_id", id, "error", err)
		}
	}

	if err := e.store.Delete(ctx, BundlePayloadKey(bundle.PlanID)); err != nil {
		e.log.Warn("failed to delete settled bundle payload",
			"plan_id", bundle.PlanID, "error", err)
	}
	return nil
}
