package bundler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"permagate/internal/ans104"
	"permagate/internal/arweave"
	"permagate/internal/db"
	"permagate/internal/objectstore"
	"permagate/internal/payclient"
	"permagate/internal/winston"
)

// Sentinel errors for rejected direct uploads. The HTTP layer maps these
// onto response codes; everything else is a retryable server fault.
var (
	ErrItemInvalid       = errors.New("not a valid data item")
	ErrItemTooLarge      = errors.New("data item exceeds the size limit")
	ErrOwnerBlocked      = errors.New("owner address is blocked")
	ErrBadSignature      = errors.New("signature verification failed")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrSizeMismatch      = errors.New("body does not match the declared byte count")
)

// X402Payment carries a client's X-PAYMENT authorization into the ingest
// pipeline. SigType and Address route the settlement call; the payment
// service re-derives the payer from the header signature.
type X402Payment struct {
	Header  string
	SigType string
	Address string
	Mode    string
}

// IngestParams describes one inbound signed data item stream.
type IngestParams struct {
	Body io.Reader
	// DeclaredSize is the request Content-Length, or negative when the
	// client streamed chunked. X402 payments require a declared size.
	DeclaredSize int64
	X402         *X402Payment
}

// IngestResult is a completed direct upload.
type IngestResult struct {
	Receipt *arweave.Receipt
	Info    *ans104.ItemInfo
	Size    int64
	Price   winston.Winston
	// Duplicate is set when the id was already registered; the receipt
	// is re-issued rather than the upload failed.
	Duplicate bool
	// Payment is the settled x402 charge, when one was presented.
	Payment *payclient.X402PaymentResult
}

// Ingest runs the direct upload pipeline: parse the envelope off the
// stream, charge the owner, write through to storage while hashing, then
// verify the signature and register the item. Payment happens before the
// payload is accepted when the size is declared up front; chunked streams
// are charged once the size is known. Any rejection after bytes landed
// backs the write out and releases the charge.
func (e *Engine) Ingest(ctx context.Context, p IngestParams) (*IngestResult, error) {
	limit := e.cfg.Upload.MaxDataItemSize
	if p.DeclaredSize > limit {
		return nil, fmt.Errorf("%w: %d bytes declared, limit is %d", ErrItemTooLarge, p.DeclaredSize, limit)
	}
	if p.X402 != nil && p.DeclaredSize < 0 {
		return nil, fmt.Errorf("%w: x402 payments require a declared byte count", ErrSizeMismatch)
	}

	capBytes := limit
	if p.DeclaredSize >= 0 {
		capBytes = p.DeclaredSize
	}
	cr := &cappedReader{r: p.Body, remaining: capBytes}

	var headerBuf bytes.Buffer
	info, err := ans104.Parse(io.TeeReader(cr, &headerBuf))
	if err != nil {
		if cr.exceeded {
			return nil, fmt.Errorf("%w: envelope header runs past the declared size", ErrItemInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrItemInvalid, err)
	}
	if e.Blocklisted(info.OwnerAddress) {
		return nil, ErrOwnerBlocked
	}

	price := winston.Zero()
	reserved := false
	var payRes *payclient.X402PaymentResult

	// Known-size uploads are charged before a single payload byte is
	// accepted. Chunked uploads settle after the stream ends.
	switch {
	case p.X402 != nil:
		sigType := p.X402.SigType
		if sigType == "" {
			sigType = info.SignatureType.String()
		}
		payRes, err = e.payment.CreateX402Payment(ctx, payclient.X402PaymentParams{
			SigType:       sigType,
			Address:       p.X402.Address,
			PaymentHeader: p.X402.Header,
			DataItemID:    info.Id,
			ByteCount:     p.DeclaredSize,
			Mode:          p.X402.Mode,
		})
		if err != nil {
			return nil, err
		}
		price = payRes.WincAmount
	case p.DeclaredSize >= 0:
		price, reserved, err = e.reserveFor(ctx, info, p.DeclaredSize)
		if err != nil {
			return nil, err
		}
	}

	hasher := arweave.NewBlobHasher()
	body := io.MultiReader(bytes.NewReader(headerBuf.Bytes()), io.TeeReader(cr, hasher))
	if err := e.StoreRawDataItem(ctx, StoreItemParams{
		DataItemID:       info.Id,
		ContentType:      info.ContentType,
		PayloadDataStart: info.PayloadStart,
		Size:             p.DeclaredSize,
		Body:             body,
	}); err != nil {
		e.releaseCharge(ctx, info.Id, reserved)
		if cr.exceeded {
			return nil, fmt.Errorf("%w: stream exceeds the %d byte limit", ErrItemTooLarge, limit)
		}
		return nil, err
	}
	size := info.PayloadStart + hasher.Size()

	if p.DeclaredSize >= 0 && size != p.DeclaredSize {
		e.rollbackIngest(ctx, info.Id, reserved)
		return nil, fmt.Errorf("%w: declared %d bytes, received %d", ErrSizeMismatch, p.DeclaredSize, size)
	}

	if e.cfg.Upload.VerifySignatures {
		if err := ans104.VerifySignature(info, hasher.Sum()); err != nil {
			if !errors.Is(err, ans104.ErrVerifyUnsupported) {
				e.rollbackIngest(ctx, info.Id, reserved)
				return nil, ErrBadSignature
			}
			e.log.Debug("accepting unverifiable signature type",
				"data_item_id", info.Id, "sig_type", info.SignatureType.String())
		}
	}

	if p.X402 == nil && p.DeclaredSize < 0 {
		price, reserved, err = e.reserveFor(ctx, info, size)
		if err != nil {
			e.DeleteRawDataItem(ctx, info.Id)
			return nil, err
		}
	}

	// Reconcile the x402 charge against what actually arrived. The
	// stream was capped at the declared size, so this can only confirm
	// or refund, never penalize.
	if p.X402 != nil {
		if _, err := e.payment.FinalizeX402Payment(ctx, info.Id, size); err != nil && !errors.Is(err, payclient.ErrNoX402Payment) {
			e.log.Error("failed to reconcile x402 payment", "data_item_id", info.Id, "error", err)
		}
	}

	result, err := e.finishIngest(ctx, info, size, price, payRes)
	if err != nil {
		e.rollbackIngest(ctx, info.Id, reserved)
		return nil, err
	}
	return result, nil
}

// finishIngest registers the stored item and signs its receipt.
func (e *Engine) finishIngest(ctx context.Context, info *ans104.ItemInfo, size int64, price winston.Winston, payRes *payclient.X402PaymentResult) (*IngestResult, error) {
	deadline, err := e.DeadlineHeight(ctx)
	if err != nil {
		return nil, err
	}

	row := &db.DataItem{
		DataItemID:           info.Id,
		OwnerPublicAddress:   info.OwnerAddress,
		ByteCount:            size,
		AssessedWinstonPrice: price,
		SignatureType:        int(info.SignatureType),
		Signature:            info.Signature,
		PayloadDataStart:     info.PayloadStart,
		PayloadContentType:   info.ContentType,
		PremiumFeatureType:   e.PremiumFeatureFor(info.OwnerAddress),
		DeadlineHeight:       deadline,
		UploadedDate:         time.Now().UTC(),
	}
	inserted, err := e.RegisterDataItem(ctx, row, info)
	if err != nil {
		return nil, fmt.Errorf("failed to register data item %s: %w", info.Id, err)
	}

	receipt, err := e.SignReceipt(info.Id, price.String(), deadline)
	if err != nil {
		return nil, err
	}

	e.log.Info("data item ingested",
		"data_item_id", info.Id, "byte_count", size, "winc", price.String(), "duplicate", !inserted)

	return &IngestResult{
		Receipt:   receipt,
		Info:      info,
		Size:      size,
		Price:     price,
		Duplicate: !inserted,
		Payment:   payRes,
	}, nil
}

// reserveFor debits the owner's credit balance for a sized upload. Items
// under the free limit and allowlisted owners ride free.
func (e *Engine) reserveFor(ctx context.Context, info *ans104.ItemInfo, size int64) (winston.Winston, bool, error) {
	if size <= e.cfg.Upload.FreeUploadLimit || e.Allowlisted(info.OwnerAddress) {
		return winston.Zero(), false, nil
	}
	res, err := e.payment.ReserveBalance(ctx, payclient.ReserveBalanceParams{
		DataItemID:  info.Id,
		Address:     info.OwnerAddress,
		AddressType: info.SignatureType.String(),
		ByteCount:   size,
		SigType:     info.SignatureType,
	})
	if err != nil {
		return winston.Winston{}, false, fmt.Errorf("failed to reserve balance for %s: %w", info.Id, err)
	}
	if !res.IsReserved {
		return winston.Winston{}, false, ErrInsufficientFunds
	}
	return res.CostOfDataItem, true, nil
}

// releaseCharge cancels a credit reservation after a failed ingest.
func (e *Engine) releaseCharge(ctx context.Context, dataItemID string, reserved bool) {
	if !reserved {
		return
	}
	if _, err := e.payment.FinalizeReservation(ctx, dataItemID, true); err != nil {
		e.log.Error("failed to cancel reservation", "data_item_id", dataItemID, "error", err)
	}
}

// rollbackIngest backs out a stored item and its charge.
func (e *Engine) rollbackIngest(ctx context.Context, dataItemID string, reserved bool) {
	e.DeleteRawDataItem(ctx, dataItemID)
	e.releaseCharge(ctx, dataItemID, reserved)
}

// cappedReader fails the stream once more than the allowed bytes arrive.
// A zero-remaining reader probes one byte so an exactly-sized stream
// still sees its EOF.
type cappedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

var errStreamOverflow = errors.New("stream exceeds the allowed size")

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		var probe [1]byte
		n, err := c.r.Read(probe[:])
		if n > 0 {
			c.exceeded = true
			return 0, errStreamOverflow
		}
		if err != nil {
			return 0, err
		}
		return 0, nil
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	return n, err
}

// RawUpload is a staged raw payload between the wrap and commit steps of
// a pay-as-you-go upload. The service signs the envelope, so the item is
// owned by the service wallet.
type RawUpload struct {
	Info        *ans104.ItemInfo
	Header      []byte
	StagingKey  string
	PayloadSize int64
	TotalSize   int64
}

// WrapRawUpload stages an unsigned payload and wraps it in a data item
// envelope signed by the service wallet. The staged object must be
// committed or discarded by the caller; payment happens in between, once
// the item id exists to charge against.
func (e *Engine) WrapRawUpload(ctx context.Context, body io.Reader, payloadSize int64, contentType string) (*RawUpload, error) {
	if payloadSize < 0 {
		return nil, fmt.Errorf("%w: raw uploads require a declared byte count", ErrSizeMismatch)
	}
	if payloadSize > e.cfg.Upload.MaxDataItemSize {
		return nil, fmt.Errorf("%w: %d bytes declared, limit is %d", ErrItemTooLarge, payloadSize, e.cfg.Upload.MaxDataItemSize)
	}

	stagingKey := stagingPrefix + uuid.NewString()
	hasher := arweave.NewBlobHasher()
	cr := &cappedReader{r: body, remaining: payloadSize}
	err := e.store.Put(ctx, stagingKey, io.TeeReader(cr, hasher), payloadSize, objectstore.PutOptions{
		ContentType: contentType,
	})
	if err != nil {
		e.discardStaging(ctx, stagingKey)
		return nil, fmt.Errorf("failed to stage raw payload: %w", err)
	}
	if hasher.Size() != payloadSize {
		e.discardStaging(ctx, stagingKey)
		return nil, fmt.Errorf("%w: declared %d bytes, received %d", ErrSizeMismatch, payloadSize, hasher.Size())
	}

	var tags []ans104.Tag
	if contentType != "" {
		tags = append(tags, ans104.Tag{Name: "Content-Type", Value: contentType})
	}
	header, _, err := ans104.BuildSignedHeader(ans104.ArweaveSigner{Wallet: e.wallet}, nil, nil, tags, hasher.Sum())
	if err != nil {
		e.discardStaging(ctx, stagingKey)
		return nil, fmt.Errorf("failed to sign raw upload envelope: %w", err)
	}

	total := int64(len(header)) + payloadSize
	if total > e.cfg.Upload.MaxDataItemSize {
		e.discardStaging(ctx, stagingKey)
		return nil, fmt.Errorf("%w: %d bytes with envelope, limit is %d", ErrItemTooLarge, total, e.cfg.Upload.MaxDataItemSize)
	}

	info, err := ans104.Parse(bytes.NewReader(header))
	if err != nil {
		e.discardStaging(ctx, stagingKey)
		return nil, fmt.Errorf("built envelope failed to parse: %w", err)
	}

	return &RawUpload{
		Info:        info,
		Header:      header,
		StagingKey:  stagingKey,
		PayloadSize: payloadSize,
		TotalSize:   total,
	}, nil
}

// PayAndCommitRawUpload settles an x402 charge for a wrapped raw upload,
// then moves it into permanent storage. The staged payload is discarded
// whenever the upload cannot complete.
func (e *Engine) PayAndCommitRawUpload(ctx context.Context, ru *RawUpload, pay X402Payment) (*IngestResult, error) {
	sigType := pay.SigType
	if sigType == "" {
		sigType = ru.Info.SignatureType.String()
	}
	payRes, err := e.payment.CreateX402Payment(ctx, payclient.X402PaymentParams{
		SigType:       sigType,
		Address:       pay.Address,
		PaymentHeader: pay.Header,
		DataItemID:    ru.Info.Id,
		ByteCount:     ru.TotalSize,
		Mode:          pay.Mode,
	})
	if err != nil {
		e.DiscardRawUpload(ctx, ru)
		return nil, err
	}

	// The wrapped size is exact, so reconciliation always confirms.
	if _, err := e.payment.FinalizeX402Payment(ctx, ru.Info.Id, ru.TotalSize); err != nil && !errors.Is(err, payclient.ErrNoX402Payment) {
		e.log.Error("failed to reconcile x402 payment", "data_item_id", ru.Info.Id, "error", err)
	}

	result, err := e.CommitRawUpload(ctx, ru, payRes.WincAmount, payRes)
	if err != nil {
		e.DiscardRawUpload(ctx, ru)
		return nil, err
	}
	return result, nil
}

// CommitRawUpload moves a staged raw upload into permanent storage and
// registers it at the given price.
func (e *Engine) CommitRawUpload(ctx context.Context, ru *RawUpload, price winston.Winston, payRes *payclient.X402PaymentResult) (*IngestResult, error) {
	rc, _, err := e.store.Get(ctx, ru.StagingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged raw payload: %w", err)
	}
	err = e.StoreRawDataItem(ctx, StoreItemParams{
		DataItemID:       ru.Info.Id,
		ContentType:      ru.Info.ContentType,
		PayloadDataStart: ru.Info.PayloadStart,
		Size:             ru.TotalSize,
		Body:             io.MultiReader(bytes.NewReader(ru.Header), rc),
	})
	rc.Close()
	if err != nil {
		return nil, err
	}

	result, err := e.finishIngest(ctx, ru.Info, ru.TotalSize, price, payRes)
	if err != nil {
		e.DeleteRawDataItem(ctx, ru.Info.Id)
		return nil, err
	}

	e.DiscardRawUpload(ctx, ru)
	return result, nil
}

// DiscardRawUpload drops the staged payload of an abandoned raw upload.
func (e *Engine) DiscardRawUpload(ctx context.Context, ru *RawUpload) {
	e.discardStaging(ctx, ru.StagingKey)
}

func (e *Engine) discardStaging(ctx context.Context, key string) {
	if err := e.store.Delete(ctx, key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		e.log.Warn("failed to delete staged raw payload", "key", key, "error", err)
	}
}
