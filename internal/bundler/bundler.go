// Package bundler runs the data item pipeline: ingest registration, bundle
// planning, preparation, posting, seeding, verification and the supporting
// maintenance workers. Every stage is a durable queue consumer; the engine
// owns the consumers and the repeat scheduler.
package bundler

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"permagate/internal/arweave"
	"permagate/internal/cache"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/fsbackup"
	"permagate/internal/gateway"
	"permagate/internal/objectstore"
	"permagate/internal/payclient"
	"permagate/internal/queue"
)

// Queue names, one per pipeline stage.
const (
	queuePlanBundle     = "upload-plan-bundle"
	queuePrepareBundle  = "upload-prepare-bundle"
	queuePostBundle     = "upload-post-bundle"
	queueSeedBundle     = "upload-seed-bundle"
	queueVerifyBundle   = "upload-verify-bundle"
	queuePutOffsets     = "upload-put-offsets"
	queueNewDataItem    = "upload-new-data-item"
	queueOpticalPost    = "upload-optical-post"
	queueUnbundleBDI    = "upload-unbundle-bdi"
	queueFinalizeUpload = "upload-finalize-upload"
	queueCleanupFS      = "upload-cleanup-fs"
)

// Object store key prefixes.
const (
	rawDataItemPrefix   = "raw-data-item/"
	bundlePayloadPrefix = "bundle-payload/"
	multipartPrefix     = "multipart/"
	stagingPrefix       = "staging/"
)

// RawDataItemKey returns the object store key for a data item's raw bytes.
func RawDataItemKey(dataItemID string) string {
	return rawDataItemPrefix + dataItemID
}

// BundlePayloadKey returns the object store key for a plan's bundle binary.
func BundlePayloadKey(planID uuid.UUID) string {
	return bundlePayloadPrefix + planID.String()
}

// MultipartKey returns the object store key a multipart upload assembles to.
func MultipartKey(uploadID uuid.UUID) string {
	return multipartPrefix + uploadID.String()
}

func encodeB64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Job payloads. Stage jobs carry ids only; the worker re-reads state from
// the database so stale payloads cannot resurrect finished work.
type planJob struct {
	PlanID uuid.UUID `json:"planId"`
}

type offsetsJob struct {
	Offsets []db.DataItemOffset `json:"offsets"`
}

type newItemJob struct {
	Items []*db.DataItem `json:"items"`
}

type opticalJob struct {
	ID           string       `json:"id"`
	Signature    string       `json:"signature"`
	Owner        string       `json:"owner"`
	OwnerAddress string       `json:"owner_address"`
	Target       string       `json:"target,omitempty"`
	ContentType  string       `json:"content_type"`
	DataSize     int64        `json:"data_size"`
	Tags         []opticalTag `json:"tags"`
}

type opticalTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type unbundleJob struct {
	DataItemID string `json:"dataItemId"`
}

type finalizeJob struct {
	UploadID uuid.UUID `json:"uploadId"`
}

// Engine wires the pipeline workers to their queues.
type Engine struct {
	cfg     *config.Config
	db      *db.DB
	queue   *queue.Queue
	store   objectstore.Store
	backup  *fsbackup.Backup
	cache   *cache.Cache
	gw      gateway.Client
	wallet  *arweave.Wallet
	payment *payclient.Client
	optical *http.Client
	log     *slog.Logger

	// dedicatedOwners maps owner address to premium feature, inverted
	// from config at construction.
	dedicatedOwners map[string]string

	consumers []*queue.Consumer
	scheduler *queue.Scheduler
}

// Deps are the engine's collaborators. DB, Queue, Store, Gateway and
// Wallet are required; Backup and Cache may be nil when disabled.
type Deps struct {
	Config  *config.Config
	DB      *db.DB
	Queue   *queue.Queue
	Store   objectstore.Store
	Backup  *fsbackup.Backup
	Cache   *cache.Cache
	Gateway gateway.Client
	Wallet  *arweave.Wallet
	Payment *payclient.Client
	Logger  *slog.Logger
}

// New creates the pipeline engine. Consumers are registered here and
// started by Start.
func New(deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	dedicated := make(map[string]string)
	for feature, owners := range deps.Config.Bundling.DedicatedOwners {
		for _, owner := range owners {
			dedicated[owner] = feature
		}
	}

	e := &Engine{
		cfg:             deps.Config,
		db:              deps.DB,
		queue:           deps.Queue,
		store:           deps.Store,
		backup:          deps.Backup,
		cache:           deps.Cache,
		gw:              deps.Gateway,
		wallet:          deps.Wallet,
		payment:         deps.Payment,
		optical:         &http.Client{Timeout: deps.Config.Optical.Timeout},
		log:             log,
		dedicatedOwners: dedicated,
	}

	poll := deps.Config.Queue.PollInterval
	register := func(name string, concurrency int, handler queue.Handler) {
		e.consumers = append(e.consumers, e.queue.NewConsumer(queue.ConsumerConfig{
			Queue:        name,
			Concurrency:  concurrency,
			PollInterval: poll,
		}, handler))
	}

	register(queuePlanBundle, 1, e.handlePlanBundle)
	register(queuePrepareBundle, 3, e.handlePrepareBundle)
	register(queuePostBundle, 2, e.handlePostBundle)
	register(queueSeedBundle, 2, e.handleSeedBundle)
	register(queueVerifyBundle, 2, e.handleVerifyBundle)
	register(queuePutOffsets, 5, e.handlePutOffsets)
	register(queueNewDataItem, 5, e.handleNewDataItem)
	register(queueOpticalPost, 5, e.handleOpticalPost)
	register(queueUnbundleBDI, 2, e.handleUnbundleBDI)
	register(queueFinalizeUpload, 3, e.handleFinalizeUpload)
	register(queueCleanupFS, 1, e.handleCleanupFS)

	e.scheduler = e.queue.NewScheduler([]queue.RepeatEvery{
		{Queue: queuePlanBundle, JobKey: "plan-bundle-cron", Every: deps.Config.Bundling.PlanInterval, Payload: struct{}{}},
		{Queue: queueVerifyBundle, JobKey: "verify-bundle-cron", Every: deps.Config.Bundling.VerifyInterval, Payload: struct{}{}},
		{Queue: queueCleanupFS, JobKey: "cleanup-fs-cron", Every: time.Hour, Payload: struct{}{}},
	})

	return e
}

// Start launches all consumers and the repeat scheduler.
func (e *Engine) Start(ctx context.Context) {
	for _, c := range e.consumers {
		c.Start(ctx)
	}
	e.scheduler.Start(ctx)
	e.log.Info("bundler engine started", "consumers", len(e.consumers))
}

// Stop drains the scheduler first so no new stage jobs appear, then the
// consumers. In-flight jobs finish before Stop returns.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	for _, c := range e.consumers {
		c.Stop()
	}
	e.log.Info("bundler engine stopped")
}

// failPlan marks a bundle failed, routes its items back to new or out to
// failed, and releases credit reservations held by terminally failed items.
func (e *Engine) failPlan(ctx context.Context, planID uuid.UUID, reason string) error {
	result, err := e.db.FailBundleAndReplan(ctx, planID, reason, e.cfg.Bundling.RetryLimit)
	if err != nil {
		return fmt.Errorf("failed to replan bundle %s: %w", planID, err)
	}

	e.log.Warn("bundle failed",
		"plan_id", planID,
		"reason", reason,
		"replanned", len(result.Replanned),
		"terminally_failed", len(result.Failed))

	for _, id := range result.Failed {
		if _, err := e.payment.FinalizeReservation(ctx, id, true); err != nil {
			e.log.Error("failed to cancel reservation for failed item",
				"data_item_id", id, "error", err)
		}
	}
	return nil
}
