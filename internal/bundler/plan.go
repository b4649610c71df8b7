package bundler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"permagate/internal/db"
	"permagate/internal/queue"
)

// handlePlanBundle drains the new-item backlog into bundle plans. The
// consumer runs with concurrency 1 and the cron uses a stable job key, so
// at most one planner is active at a time.
func (e *Engine) handlePlanBundle(ctx context.Context, _ *queue.Job) error {
	for {
		items, err := e.db.GetNewDataItems(ctx, e.cfg.Bundling.MaxDataItemsPerBundle)
		if err != nil {
			return fmt.Errorf("failed to fetch new data items: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		plans := packPlans(items, e.cfg.Bundling.MaxBundleSize, e.cfg.Bundling.MaxDataItemsPerBundle)
		for _, plan := range plans {
			planID := uuid.New()
			moved, err := e.db.PlanDataItems(ctx, planID, plan.ids())
			if err != nil {
				return fmt.Errorf("failed to plan data items: %w", err)
			}
			if moved == 0 {
				// Another planner claimed these items first.
				continue
			}

			if _, err := e.queue.EnqueueUnique(ctx, queuePrepareBundle, "prepare-"+planID.String(),
				planJob{PlanID: planID}); err != nil {
				return fmt.Errorf("failed to enqueue prepare-bundle: %w", err)
			}

			e.log.Info("bundle planned",
				"plan_id", planID,
				"items", moved,
				"bytes", plan.totalBytes,
				"feature", plan.feature)
		}

		// A short fetch means the backlog is drained.
		if len(items) < e.cfg.Bundling.MaxDataItemsPerBundle {
			return nil
		}
	}
}

// candidatePlan is one packed bundle under construction.
type candidatePlan struct {
	feature    string
	items      []*db.DataItem
	totalBytes int64
}

func (p *candidatePlan) ids() []string {
	ids := make([]string, len(p.items))
	for i, item := range p.items {
		ids[i] = item.DataItemID
	}
	return ids
}

// packPlans greedy-packs items into plans. Items sharing a premium
// feature never mix with other features, preserving dedicated bundles.
// A single item larger than the bundle limit becomes its own plan.
func packPlans(items []*db.DataItem, maxBundleSize int64, maxItems int) []*candidatePlan {
	var plans []*candidatePlan

	// open holds the currently filling plan per feature, keeping arrival
	// order within each feature intact.
	open := make(map[string]*candidatePlan)

	for _, item := range items {
		if item.ByteCount >= maxBundleSize {
			plans = append(plans, &candidatePlan{
				feature:    item.PremiumFeatureType,
				items:      []*db.DataItem{item},
				totalBytes: item.ByteCount,
			})
			continue
		}

		plan := open[item.PremiumFeatureType]
		if plan == nil ||
			plan.totalBytes+item.ByteCount > maxBundleSize ||
			len(plan.items) >= maxItems {
			plan = &candidatePlan{feature: item.PremiumFeatureType}
			open[item.PremiumFeatureType] = plan
			plans = append(plans, plan)
		}

		plan.items = append(plan.items, item)
		plan.totalBytes += item.ByteCount
	}

	return plans
}
