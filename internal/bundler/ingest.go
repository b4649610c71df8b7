package bundler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"permagate/internal/ans104"
	"permagate/internal/arweave"
	"permagate/internal/db"
	"permagate/internal/objectstore"
)

// StoreItemParams describes one raw data item stream headed for storage.
type StoreItemParams struct {
	DataItemID       string
	ContentType      string
	PayloadDataStart int64
	Size             int64
	Body             io.Reader
}

// StoreRawDataItem writes the item to the object store and mirrors it to
// the backup filesystem and the hot cache. Only the object store write is
// authoritative; mirror failures are logged and swallowed.
func (e *Engine) StoreRawDataItem(ctx context.Context, p StoreItemParams) error {
	key := RawDataItemKey(p.DataItemID)
	body := p.Body

	// Small items are captured in memory so the payload can be cached
	// after the authoritative write lands. Streams of unknown size are
	// never captured.
	var captured *bytes.Buffer
	if e.cache != nil && e.cfg.Cache.Enabled && p.Size >= 0 &&
		p.Size-p.PayloadDataStart <= e.cfg.Cache.MaxItemSize {
		captured = bytes.NewBuffer(make([]byte, 0, p.Size))
		body = io.TeeReader(body, captured)
	}

	var backupDone chan struct{}
	var pw *io.PipeWriter
	if e.backup != nil && e.backup.Enabled() {
		var pr *io.PipeReader
		pr, pw = io.Pipe()
		backupDone = make(chan struct{})
		go func() {
			defer close(backupDone)
			if err := e.backup.Write(key, pr); err != nil {
				e.log.Warn("backup mirror write failed", "key", key, "error", err)
				io.Copy(io.Discard, pr) //nolint:errcheck
			}
		}()
		body = io.TeeReader(body, pw)
	}

	err := e.store.Put(ctx, key, body, p.Size, objectstore.PutOptions{
		ContentType: p.ContentType,
		Metadata: map[string]string{
			objectstore.MetaPayloadDataStart:   fmt.Sprintf("%d", p.PayloadDataStart),
			objectstore.MetaPayloadContentType: p.ContentType,
		},
	})

	if pw != nil {
		if err != nil {
			pw.CloseWithError(err) //nolint:errcheck
		} else {
			pw.Close() //nolint:errcheck
		}
		<-backupDone
	}
	if err != nil {
		return fmt.Errorf("object store write failed for %s: %w", p.DataItemID, err)
	}

	if captured != nil && int64(captured.Len()) == p.Size {
		payload := captured.Bytes()[p.PayloadDataStart:]
		if cerr := e.cache.PutWithTTL(p.DataItemID, payload, e.cfg.Cache.TTL); cerr != nil {
			e.log.Warn("cache write failed", "data_item_id", p.DataItemID, "error", cerr)
		}
	}
	return nil
}

// DeleteRawDataItem removes a stored item from every layer. Used to back
// out an upload whose payment was rejected after the write.
func (e *Engine) DeleteRawDataItem(ctx context.Context, dataItemID string) {
	key := RawDataItemKey(dataItemID)
	if err := e.store.Delete(ctx, key); err != nil {
		e.log.Error("failed to delete rejected data item", "key", key, "error", err)
	}
	if e.backup != nil {
		if err := e.backup.Remove(key); err != nil {
			e.log.Warn("failed to remove backup mirror", "key", key, "error", err)
		}
	}
	if e.cache != nil {
		if err := e.cache.Delete(dataItemID); err != nil {
			e.log.Warn("failed to drop cached payload", "data_item_id", dataItemID, "error", err)
		}
	}
}

// PremiumFeatureFor returns the dedicated bundle feature for an owner
// address, or the empty string for the shared bundle pool.
func (e *Engine) PremiumFeatureFor(ownerAddress string) string {
	return e.dedicatedOwners[ownerAddress]
}

// Blocklisted reports whether an owner address is refused service.
func (e *Engine) Blocklisted(ownerAddress string) bool {
	for _, addr := range e.cfg.Upload.BlockListedAddresses {
		if strings.EqualFold(addr, ownerAddress) {
			return true
		}
	}
	return false
}

// Allowlisted reports whether an owner address uploads without charge.
func (e *Engine) Allowlisted(ownerAddress string) bool {
	for _, addr := range e.cfg.Upload.AllowListedAddresses {
		if strings.EqualFold(addr, ownerAddress) {
			return true
		}
	}
	return false
}

// RegisterDataItem inserts the lifecycle row for a stored item and fans
// out the follow-up jobs: the idempotent batch re-insert, the optical
// bridge notification, the initial offsets row and, for bundles carried
// as data items, the unbundle walk. Returns false when the id was
// already registered.
func (e *Engine) RegisterDataItem(ctx context.Context, item *db.DataItem, info *ans104.ItemInfo) (bool, error) {
	inserted, err := e.db.InsertNewDataItem(ctx, item)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if err := e.queue.Enqueue(ctx, queueNewDataItem, newItemJob{Items: []*db.DataItem{item}}); err != nil {
		e.log.Error("failed to enqueue new-data-item", "data_item_id", item.DataItemID, "error", err)
	}

	if e.cfg.Optical.Enabled {
		if err := e.queue.Enqueue(ctx, queueOpticalPost, opticalJobFor(item, info)); err != nil {
			e.log.Error("failed to enqueue optical-post", "data_item_id", item.DataItemID, "error", err)
		}
	}

	// The initial offsets row has no root bundle yet; post-bundle fills
	// that in once the item lands on chain.
	initial := db.DataItemOffset{
		DataItemID:         item.DataItemID,
		RawContentLength:   item.ByteCount,
		PayloadDataStart:   item.PayloadDataStart,
		PayloadContentType: item.PayloadContentType,
	}
	if err := e.queue.Enqueue(ctx, queuePutOffsets, offsetsJob{Offsets: []db.DataItemOffset{initial}}); err != nil {
		e.log.Error("failed to enqueue put-offsets", "data_item_id", item.DataItemID, "error", err)
	}

	if isBundleItem(info) {
		if _, err := e.queue.EnqueueUnique(ctx, queueUnbundleBDI, "unbundle-"+item.DataItemID,
			unbundleJob{DataItemID: item.DataItemID}); err != nil {
			e.log.Error("failed to enqueue unbundle-bdi", "data_item_id", item.DataItemID, "error", err)
		}
	}

	return true, nil
}

// EnqueueFinalizeUpload schedules the multipart finalize job. The stable
// key collapses repeated finalize calls for one upload.
func (e *Engine) EnqueueFinalizeUpload(ctx context.Context, uploadID uuid.UUID) error {
	_, err := e.queue.EnqueueUnique(ctx, queueFinalizeUpload, "finalize-"+uploadID.String(),
		finalizeJob{UploadID: uploadID})
	return err
}

// SignReceipt issues the signed upload receipt for a data item. The
// deadline height promises inclusion before current height plus the
// configured increment.
func (e *Engine) SignReceipt(dataItemID, winc string, deadlineHeight int64) (*arweave.Receipt, error) {
	receipt := &arweave.Receipt{
		Id:                  dataItemID,
		Timestamp:           time.Now().UnixMilli(),
		Version:             arweave.ReceiptVersion,
		DeadlineHeight:      deadlineHeight,
		DataCaches:          e.cfg.Receipt.DataCaches,
		FastFinalityIndexes: e.cfg.Receipt.FastFinalityIndexes,
		Winc:                winc,
	}
	if err := arweave.SignReceipt(e.wallet, receipt); err != nil {
		return nil, fmt.Errorf("failed to sign receipt for %s: %w", dataItemID, err)
	}
	return receipt, nil
}

// DeadlineHeight computes the inclusion deadline for an item accepted now.
func (e *Engine) DeadlineHeight(ctx context.Context) (int64, error) {
	height, err := e.gw.GetBlockHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return height + e.cfg.Receipt.DeadlineHeightIncrement, nil
}

func opticalJobFor(item *db.DataItem, info *ans104.ItemInfo) opticalJob {
	tags := make([]opticalTag, len(info.Tags))
	for i, t := range info.Tags {
		tags[i] = opticalTag{Name: t.Name, Value: t.Value}
	}
	return opticalJob{
		ID:           item.DataItemID,
		Signature:    encodeB64(info.Signature),
		Owner:        encodeB64(info.Owner),
		OwnerAddress: item.OwnerPublicAddress,
		Target:       info.Target,
		ContentType:  item.PayloadContentType,
		DataSize:     item.ByteCount - item.PayloadDataStart,
		Tags:         tags,
	}
}

// isBundleItem detects a bundle carried as a data item by its ANS-104
// format tags.
func isBundleItem(info *ans104.ItemInfo) bool {
	var format, version bool
	for _, t := range info.Tags {
		switch t.Name {
		case "Bundle-Format":
			format = t.Value == "binary"
		case "Bundle-Version":
			version = strings.HasPrefix(t.Value, "2.")
		}
	}
	return format && version
}
