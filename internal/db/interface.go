package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permagate/internal/winston"
)

// UploadDatabase defines the database operations of the upload service.
// This interface enables mocking in handler unit tests.
type UploadDatabase interface {
	// Connection management
	Ping(ctx context.Context) error
	Close()
	BeginTx(ctx context.Context) (pgx.Tx, error)

	// Data item lifecycle
	InsertNewDataItem(ctx context.Context, item *DataItem) (bool, error)
	GetNewDataItems(ctx context.Context, limit int) ([]*DataItem, error)
	PlanDataItems(ctx context.Context, planID uuid.UUID, dataItemIDs []string) (int, error)
	GetPlannedDataItems(ctx context.Context, planID uuid.UUID) ([]*DataItem, error)
	GetDataItemStatus(ctx context.Context, dataItemID string) (*DataItemStatusInfo, error)
	DataItemExists(ctx context.Context, dataItemID string) (bool, error)

	// Bundle lifecycle
	GetBundle(ctx context.Context, planID uuid.UUID) (*Bundle, error)
	GetBundleByBundleID(ctx context.Context, bundleID string) (*Bundle, error)
	MarkBundlePrepared(ctx context.Context, planID uuid.UUID, payloadByteCount, headerByteCount int64) error
	MarkBundlePosted(ctx context.Context, planID uuid.UUID, bundleID string, reward winston.Winston, transactionByteCount, postedHeight int64) error
	MarkBundleSeeded(ctx context.Context, planID uuid.UUID) error
	MarkBundleConfirmed(ctx context.Context, planID uuid.UUID, blockHeight int64) error
	MarkBundlePermanent(ctx context.Context, planID uuid.UUID, blockHeight int64) ([]string, error)
	FailBundleAndReplan(ctx context.Context, planID uuid.UUID, reason string, retryLimit int) (*ReplanResult, error)
	GetBundlesToVerify(ctx context.Context, limit int) ([]*Bundle, error)

	// Offsets
	UpsertDataItemOffsets(ctx context.Context, offsets []DataItemOffset) ([]string, error)
	GetDataItemOffset(ctx context.Context, dataItemID string) (*DataItemOffset, error)
	GetOffsetsByRootBundle(ctx context.Context, rootBundleID string) ([]*DataItemOffset, error)
	DeleteExpiredOffsets(ctx context.Context) (int64, error)

	// Multipart uploads
	CreateMultipartUpload(ctx context.Context, upload *MultipartUpload) error
	GetMultipartUpload(ctx context.Context, uploadID uuid.UUID) (*MultipartUpload, error)
	RecordMultipartPart(ctx context.Context, uploadID uuid.UUID, part MultipartPart) error
	GetMultipartParts(ctx context.Context, uploadID uuid.UUID) ([]MultipartPart, error)
	StartMultipartFinalize(ctx context.Context, uploadID uuid.UUID, finalizeToken string) (*MultipartUpload, error)
	CompleteMultipartFinalize(ctx context.Context, uploadID uuid.UUID, dataItemID string, receipt json.RawMessage) error
	FailMultipartUpload(ctx context.Context, uploadID uuid.UUID, reason string) error
	SetMultipartS3Upload(ctx context.Context, uploadID uuid.UUID, s3UploadID string) error
	GetExpiredMultipartUploads(ctx context.Context, limit int) ([]*MultipartUpload, error)
	DeleteMultipartUpload(ctx context.Context, uploadID uuid.UUID) error
}

// PaymentDatabase defines the database operations of the payment service.
type PaymentDatabase interface {
	// Connection management
	Ping(ctx context.Context) error
	Close()
	BeginTx(ctx context.Context) (pgx.Tx, error)

	// Users and the credit ledger
	GetUser(ctx context.Context, userAddress string) (*User, error)
	GetBalance(ctx context.Context, userAddress string) (winston.Winston, bool, error)
	AdjustBalance(ctx context.Context, change BalanceChange) (bool, error)

	// Balance reservations
	ReserveBalance(ctx context.Context, reservation *BalanceReservation) (bool, error)
	GetReservation(ctx context.Context, dataItemID string) (*BalanceReservation, error)
	ConsumeReservation(ctx context.Context, dataItemID string) (bool, error)
	CancelReservation(ctx context.Context, dataItemID string) (bool, error)

	// x402 payments
	CreateX402Payment(ctx context.Context, payment *X402Payment, apply X402PaymentApply) (bool, error)
	GetX402PaymentByTxHash(ctx context.Context, txHash string) (*X402Payment, error)
	GetX402PaymentByDataItemID(ctx context.Context, dataItemID string) (*X402Payment, error)
	FinalizeX402Payment(ctx context.Context, paymentID uuid.UUID, status X402PaymentStatus, actualByteCount int64, refundWinc winston.Winston) error
	GetX402Reservation(ctx context.Context, dataItemID string) (uuid.UUID, time.Time, error)
	DeleteExpiredX402Reservations(ctx context.Context) (int64, error)

	// Pending crypto top-ups
	CreatePendingPaymentTx(ctx context.Context, pending *PendingPaymentTx) (bool, error)
	GetPendingPaymentTx(ctx context.Context, txHash string) (*PendingPaymentTx, error)
	CreditPendingPaymentTx(ctx context.Context, txHash string, winc winston.Winston) error
	TouchPendingPaymentTx(ctx context.Context, txHash string) error
	FailPendingPaymentTx(ctx context.Context, txHash, reason string) error
}

// Ensure DB implements both service interfaces
var (
	_ UploadDatabase  = (*DB)(nil)
	_ PaymentDatabase = (*DB)(nil)
)
