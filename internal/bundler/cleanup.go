package bundler

import (
	"context"
	"time"

	"permagate/internal/queue"
)

// stuckJobThreshold bounds how long a running job may go untouched
// before the worker that claimed it is presumed dead.
const stuckJobThreshold = 15 * time.Minute

// handleCleanupFS is the hourly housekeeping pass: prune the filesystem
// mirror, abort expired multipart uploads, drop expired nested offsets
// and sweep the job tables. Each chore runs even when an earlier one
// fails; the first error is reported so the job retries.
func (e *Engine) handleCleanupFS(ctx context.Context, _ *queue.Job) error {
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if e.backup != nil && e.backup.Enabled() {
		removed, err := e.backup.Sweep(time.Now())
		if err != nil {
			e.log.Error("backup sweep failed", "error", err)
			fail(err)
		} else if removed > 0 {
			e.log.Info("pruned backup mirror", "files_removed", removed)
		}
	}

	if err := e.cleanupExpiredMultiparts(ctx); err != nil {
		e.log.Error("multipart cleanup failed", "error", err)
		fail(err)
	}

	if removed, err := e.db.DeleteExpiredOffsets(ctx); err != nil {
		e.log.Error("offsets cleanup failed", "error", err)
		fail(err)
	} else if removed > 0 {
		e.log.Info("dropped expired nested offsets", "rows_removed", removed)
	}

	if swept, err := e.queue.Sweep(ctx, e.cfg.Queue.CompletedRetention, e.cfg.Queue.FailedRetention); err != nil {
		e.log.Error("job sweep failed", "error", err)
		fail(err)
	} else if swept > 0 {
		e.log.Info("swept finished jobs", "jobs_removed", swept)
	}

	if requeued, err := e.queue.RequeueStuck(ctx, stuckJobThreshold); err != nil {
		e.log.Error("stuck job requeue failed", "error", err)
		fail(err)
	} else if requeued > 0 {
		e.log.Warn("requeued stuck jobs", "count", requeued)
	}

	return firstErr
}

// cleanupExpiredMultiparts discards uploads that expired without
// finalizing: abort the store-side upload, delete any staged object and
// drop the rows.
func (e *Engine) cleanupExpiredMultiparts(ctx context.Context) error {
	uploads, err := e.db.GetExpiredMultipartUploads(ctx, 100)
	if err != nil {
		return err
	}

	for _, mu := range uploads {
		if mu.S3UploadID != nil {
			// Abort can race a finalize that already completed the upload;
			// the failure is logged and the rows still go.
			if err := e.store.AbortMultipartUpload(ctx, mu.S3Key, *mu.S3UploadID); err != nil {
				e.log.Warn("failed to abort expired multipart upload",
					"upload_id", mu.UploadID, "error", err)
			}
		}
		if err := e.store.Delete(ctx, mu.S3Key); err != nil {
			e.log.Warn("failed to delete staged multipart object",
				"upload_id", mu.UploadID, "error", err)
		}
		if err := e.db.DeleteMultipartUpload(ctx, mu.UploadID); err != nil {
			return err
		}
		e.log.Info("discarded expired multipart upload",
			"upload_id", mu.UploadID, "status", mu.Status)
	}
	return nil
}
