package arweave

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// TxTag is one transaction tag. JSON form carries base64url name/value.
type TxTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Transaction is a format-2 Arweave transaction. Binary fields are
// base64url strings as on the wire; Quantity/Reward/DataSize are decimal
// strings.
type Transaction struct {
	Format    int     `json:"format"`
	Id        string  `json:"id"`
	LastTx    string  `json:"last_tx"`
	Owner     string  `json:"owner"`
	Tags      []TxTag `json:"tags"`
	Target    string  `json:"target"`
	Quantity  string  `json:"quantity"`
	DataRoot  string  `json:"data_root"`
	DataSize  string  `json:"data_size"`
	Reward    string  `json:"reward"`
	Signature string  `json:"signature"`
}

// NewDataTransaction builds an unsigned format-2 transaction carrying
// external chunked data. Tag values arrive raw and are encoded here.
func NewDataTransaction(w *Wallet, anchor string, chunks *ChunkData, reward string, tags []TxTag) *Transaction {
	encoded := make([]TxTag, len(tags))
	for i, tag := range tags {
		encoded[i] = TxTag{
			Name:  base64.RawURLEncoding.EncodeToString([]byte(tag.Name)),
			Value: base64.RawURLEncoding.EncodeToString([]byte(tag.Value)),
		}
	}
	return &Transaction{
		Format:   2,
		LastTx:   anchor,
		Owner:    w.OwnerB64(),
		Tags:     encoded,
		Quantity: "0",
		DataRoot: base64.RawURLEncoding.EncodeToString(chunks.DataRoot),
		DataSize: strconv.FormatInt(chunks.DataSize, 10),
		Reward:   reward,
	}
}

// SignatureData computes the format-2 deep-hash signing preimage.
func (t *Transaction) SignatureData() ([]byte, error) {
	owner, err := base64.RawURLEncoding.DecodeString(t.Owner)
	if err != nil {
		return nil, fmt.Errorf("decode owner: %w", err)
	}
	target, err := decodeEmptyOK(t.Target)
	if err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	anchor, err := decodeEmptyOK(t.LastTx)
	if err != nil {
		return nil, fmt.Errorf("decode last_tx: %w", err)
	}
	dataRoot, err := decodeEmptyOK(t.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("decode data_root: %w", err)
	}

	tagList := make([]Item, len(t.Tags))
	for i, tag := range t.Tags {
		name, err := base64.RawURLEncoding.DecodeString(tag.Name)
		if err != nil {
			return nil, fmt.Errorf("decode tag name: %w", err)
		}
		value, err := base64.RawURLEncoding.DecodeString(tag.Value)
		if err != nil {
			return nil, fmt.Errorf("decode tag value: %w", err)
		}
		tagList[i] = List(Blob(name), Blob(value))
	}

	digest := DeepHash(List(
		BlobString(strconv.Itoa(t.Format)),
		Blob(owner),
		Blob(target),
		BlobString(t.Quantity),
		BlobString(t.Reward),
		Blob(anchor),
		List(tagList...),
		BlobString(t.DataSize),
		Blob(dataRoot),
	))
	return digest[:], nil
}

// Sign fills Signature and Id using the wallet key.
func (t *Transaction) Sign(w *Wallet) error {
	digest, err := t.SignatureData()
	if err != nil {
		return err
	}
	sig, err := w.Sign(digest)
	if err != nil {
		return err
	}
	t.Signature = base64.RawURLEncoding.EncodeToString(sig)
	id := sha256.Sum256(sig)
	t.Id = base64.RawURLEncoding.EncodeToString(id[:])
	return nil
}

// ChunkUpload is the wire form of one chunk POST.
type ChunkUpload struct {
	DataRoot string `json:"data_root"`
	DataSize string `json:"data_size"`
	DataPath string `json:"data_path"`
	Offset   string `json:"offset"`
	Chunk    string `json:"chunk"`
}

// BuildChunkUpload assembles the upload body for chunk i with its data.
func BuildChunkUpload(cd *ChunkData, i int, data []byte) ChunkUpload {
	return ChunkUpload{
		DataRoot: base64.RawURLEncoding.EncodeToString(cd.DataRoot),
		DataSize: strconv.FormatInt(cd.DataSize, 10),
		DataPath: base64.RawURLEncoding.EncodeToString(cd.Proofs[i].Path),
		Offset:   strconv.FormatInt(cd.Proofs[i].Offset, 10),
		Chunk:    base64.RawURLEncoding.EncodeToString(data),
	}
}

func decodeEmptyOK(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
