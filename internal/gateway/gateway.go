// Package gateway is the client for the Arweave-compatible chain
// gateway: byte pricing, transaction posting, chunk seeding and
// confirmation polling.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"permagate/internal/arweave"
	"permagate/internal/winston"
)

// ErrTxNotFound is returned when the gateway has no record of a
// transaction. For a posted bundle this usually means it was dropped
// from the mempool.
var ErrTxNotFound = errors.New("transaction not found on gateway")

// TxStatus is the confirmation state of a posted transaction.
type TxStatus struct {
	// Pending is set while the transaction is accepted but not yet
	// in a block.
	Pending bool

	BlockHeight   int64
	BlockHash     string
	Confirmations int64
}

// Client is the chain gateway surface the services depend on.
type Client interface {
	// GetPriceForBytes quotes the winston cost of storing byteCount
	// bytes.
	GetPriceForBytes(ctx context.Context, byteCount int64) (winston.Winston, error)

	// GetBlockHeight returns the current tip height.
	GetBlockHeight(ctx context.Context) (int64, error)

	// GetTxAnchor returns a recent block anchor usable as last_tx.
	GetTxAnchor(ctx context.Context) (string, error)

	// PostTx uploads signed transaction headers.
	PostTx(ctx context.Context, tx *arweave.Transaction) error

	// PostChunk uploads one data chunk with its merkle proof.
	PostChunk(ctx context.Context, chunk *arweave.ChunkUpload) error

	// GetTxStatus reports the confirmation state of a transaction.
	GetTxStatus(ctx context.Context, txID string) (*TxStatus, error)
}

// Chunk rejection codes the gateway treats as permanent. Retrying these
// can never succeed; the bundle plan must be failed instead.
const (
	ChunkErrInvalidJSON    = "invalid_json"
	ChunkErrChunkTooBig    = "chunk_too_big"
	ChunkErrDataPathTooBig = "data_path_too_big"
	ChunkErrOffsetTooBig   = "offset_too_big"
	ChunkErrDataSizeTooBig = "data_size_too_big"
	ChunkErrProofRatio     = "chunk_proof_ratio_not_attractive"
	ChunkErrInvalidProof   = "invalid_proof"
)

var fatalChunkErrors = map[string]bool{
	ChunkErrInvalidJSON:    true,
	ChunkErrChunkTooBig:    true,
	ChunkErrDataPathTooBig: true,
	ChunkErrOffsetTooBig:   true,
	ChunkErrDataSizeTooBig: true,
	ChunkErrProofRatio:     true,
	ChunkErrInvalidProof:   true,
}

// ChunkError is a chunk upload rejection from the gateway.
type ChunkError struct {
	Code       string
	StatusCode int
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("gateway rejected chunk (%d): %s", e.StatusCode, e.Code)
}

// IsFatalChunkError reports whether err is a chunk rejection that no
// retry can fix.
func IsFatalChunkError(err error) bool {
	var ce *ChunkError
	if !errors.As(err, &ce) {
		return false
	}
	return fatalChunkErrors[ce.Code]
}

// TxRejectedError is a 4xx response to a transaction post. The gateway
// has evaluated the transaction and refused it; retrying the same bytes
// cannot succeed.
type TxRejectedError struct {
	StatusCode int
	Body       string
}

func (e *TxRejectedError) Error() string {
	return fmt.Sprintf("gateway rejected transaction (%d): %s", e.StatusCode, e.Body)
}

// IsTxRejected reports whether err is a permanent transaction rejection.
func IsTxRejected(err error) bool {
	var te *TxRejectedError
	return errors.As(err, &te)
}
