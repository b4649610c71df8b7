// Package arweave provides the gateway-side Arweave primitives: the JWK
// wallet, deep-hash signing preimages, format-2 transactions with chunked
// Merkle data roots, and signed upload receipts.
package arweave

import (
	"crypto/sha512"
	"hash"
	"strconv"
)

// DeepHashSize is the width of a deep-hash digest (SHA-384).
const DeepHashSize = 48

// Item is one node of a deep-hash tree: a byte blob, a list of items, or a
// blob whose digest was computed incrementally (streamed payloads).
type Item struct {
	list      []Item
	data      []byte
	prehashed bool
	sum       [DeepHashSize]byte
}

// Blob wraps raw bytes as a leaf.
func Blob(data []byte) Item {
	return Item{data: data}
}

// BlobString wraps a UTF-8 string as a leaf.
func BlobString(s string) Item {
	return Item{data: []byte(s)}
}

// List wraps child items as a list node.
func List(items ...Item) Item {
	if items == nil {
		items = []Item{}
	}
	return Item{list: items}
}

// PrehashedBlob wraps a digest produced by a BlobHasher.
func PrehashedBlob(sum [DeepHashSize]byte) Item {
	return Item{prehashed: true, sum: sum}
}

// DeepHash computes the Arweave deep-hash of an item tree.
//
// blob: sha384(sha384("blob" || byteLen) || sha384(data))
// list: fold sha384(acc || DeepHash(elem)) over sha384("list" || len)
func DeepHash(it Item) [DeepHashSize]byte {
	if it.prehashed {
		return it.sum
	}
	if it.list == nil {
		return hashBlob(it.data)
	}

	tag := []byte("list" + strconv.Itoa(len(it.list)))
	acc := sha512.Sum384(tag)
	for _, elem := range it.list {
		chunk := DeepHash(elem)
		acc = sha512.Sum384(append(acc[:], chunk[:]...))
	}
	return acc
}

func hashBlob(data []byte) [DeepHashSize]byte {
	tag := []byte("blob" + strconv.Itoa(len(data)))
	tagHash := sha512.Sum384(tag)
	dataHash := sha512.Sum384(data)
	return sha512.Sum384(append(tagHash[:], dataHash[:]...))
}

// BlobHasher computes a blob deep-hash over streamed data without buffering
// it. Feed bytes via Write, then take Sum.
type BlobHasher struct {
	h hash.Hash
	n int64
}

func NewBlobHasher() *BlobHasher {
	return &BlobHasher{h: sha512.New384()}
}

func (b *BlobHasher) Write(p []byte) (int, error) {
	n, err := b.h.Write(p)
	b.n += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (b *BlobHasher) Size() int64 {
	return b.n
}

// Sum finalizes the blob deep-hash.
func (b *BlobHasher) Sum() [DeepHashSize]byte {
	tag := []byte("blob" + strconv.FormatInt(b.n, 10))
	tagHash := sha512.Sum384(tag)
	dataHash := b.h.Sum(nil)
	return sha512.Sum384(append(tagHash[:], dataHash...))
}
