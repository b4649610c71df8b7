package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"permagate/internal/queue"
)

// handleNewDataItem re-asserts lifecycle rows for a batch of ingested
// items. The insert is a no-op for rows the ingress path already wrote;
// the job exists so at-least-once delivery can heal a lost insert.
func (e *Engine) handleNewDataItem(ctx context.Context, job *queue.Job) error {
	var payload newItemJob
	if err := job.Unmarshal(&payload); err != nil {
		return queue.Fatal(err)
	}

	healed := 0
	for _, item := range payload.Items {
		inserted, err := e.db.InsertNewDataItem(ctx, item)
		if err != nil {
			return fmt.Errorf("failed to insert data item %s: %w", item.DataItemID, err)
		}
		if inserted {
			healed++
		}
	}
	if healed > 0 {
		e.log.Warn("recovered data item rows missed at ingress", "count", healed)
	}
	return nil
}

// handleOpticalPost forwards a signed data item header to the optical
// bridge endpoints so indexers can serve the item before bundle finality.
// Every configured endpoint must accept the post for the job to complete.
func (e *Engine) handleOpticalPost(ctx context.Context, job *queue.Job) error {
	if !e.cfg.Optical.Enabled {
		return nil
	}

	var payload opticalJob
	if err := job.Unmarshal(&payload); err != nil {
		return queue.Fatal(err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queue.Fatal(err)
	}

	for _, endpoint := range e.cfg.Optical.URLs {
		if err := e.postOptical(ctx, strings.TrimRight(endpoint, "/"), body); err != nil {
			return fmt.Errorf("optical post to %s failed: %w", endpoint, err)
		}
	}
	return nil
}

func (e *Engine) postOptical(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.optical.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
