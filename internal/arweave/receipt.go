package arweave

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// ReceiptVersion is the current signed-receipt format version.
const ReceiptVersion = "0.2.0"

// Receipt is the signed acknowledgement returned for an accepted data item.
// The signature binds the receipt fields via the deep-hash preimage below,
// so holders can verify it against the service owner key offline.
type Receipt struct {
	Id                  string   `json:"id"`
	Timestamp           int64    `json:"timestamp"`
	Version             string   `json:"version"`
	DeadlineHeight      int64    `json:"deadlineHeight"`
	DataCaches          []string `json:"dataCaches"`
	FastFinalityIndexes []string `json:"fastFinalityIndexes"`
	Winc                string   `json:"winc"`
	Owner               string   `json:"owner"`
	Signature           string   `json:"signature"`
}

func receiptDigest(r *Receipt) []byte {
	digest := DeepHash(List(
		BlobString("Bundlr"),
		BlobString(r.Version),
		BlobString(r.Id),
		BlobString(strconv.FormatInt(r.DeadlineHeight, 10)),
		BlobString(strconv.FormatInt(r.Timestamp, 10)),
	))
	return digest[:]
}

// SignReceipt fills Owner and Signature using the service wallet.
func SignReceipt(w *Wallet, r *Receipt) error {
	if r.Version == "" {
		r.Version = ReceiptVersion
	}
	sig, err := w.Sign(receiptDigest(r))
	if err != nil {
		return fmt.Errorf("sign receipt: %w", err)
	}
	r.Owner = w.OwnerB64()
	r.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}

// VerifyReceipt checks the signature against the embedded owner key.
func VerifyReceipt(r *Receipt) error {
	owner, err := base64.RawURLEncoding.DecodeString(r.Owner)
	if err != nil {
		return fmt.Errorf("decode receipt owner: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("decode receipt signature: %w", err)
	}
	return VerifyOwnerSignature(owner, receiptDigest(r), sig)
}
