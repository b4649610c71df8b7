package arweave

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// Chunk size bounds for format-2 transaction data.
const (
	MaxChunkSize = 256 * 1024
	MinChunkSize = 32 * 1024
)

const noteSize = 32

// Chunk is one leaf range of the data Merkle tree.
type Chunk struct {
	DataHash     []byte
	MinByteRange int64
	MaxByteRange int64
}

// Proof is the Merkle path for one chunk. Offset is the inclusive end
// offset the network indexes chunks by (maxByteRange - 1).
type Proof struct {
	Offset int64
	Path   []byte
}

// ChunkData is the chunked form of a transaction's data: the Merkle root
// plus per-chunk hashes and proofs.
type ChunkData struct {
	DataRoot []byte
	DataSize int64
	Chunks   []Chunk
	Proofs   []Proof
}

// ChunkBoundaries computes the chunk split for a payload of the given size.
// The final chunk is rebalanced with its neighbor when it would fall under
// the minimum chunk size.
func ChunkBoundaries(size int64) []int64 {
	if size <= 0 {
		return nil
	}
	var bounds []int64
	var pos int64
	rest := size
	for rest >= MaxChunkSize {
		chunk := int64(MaxChunkSize)
		next := rest - MaxChunkSize
		if next > 0 && next < MinChunkSize {
			chunk = (rest + 1) / 2
		}
		pos += chunk
		bounds = append(bounds, pos)
		rest -= chunk
	}
	if rest > 0 {
		bounds = append(bounds, pos+rest)
	}
	return bounds
}

// GenerateChunks streams r (whose total length must be size) and produces
// the Merkle chunk set. Only one chunk is buffered at a time.
func GenerateChunks(r io.Reader, size int64) (*ChunkData, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arweave: cannot chunk %d bytes", size)
	}

	bounds := ChunkBoundaries(size)
	chunks := make([]Chunk, 0, len(bounds))
	buf := make([]byte, MaxChunkSize)
	var pos int64

	for _, end := range bounds {
		n := end - pos
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return nil, fmt.Errorf("arweave: read chunk at %d: %w", pos, err)
		}
		h := sha256.Sum256(buf[:n])
		chunks = append(chunks, Chunk{DataHash: h[:], MinByteRange: pos, MaxByteRange: end})
		pos = end
	}

	root := buildTree(chunks)
	proofs := make([]Proof, 0, len(chunks))
	collectProofs(root, nil, &proofs)

	return &ChunkData{
		DataRoot: root.id,
		DataSize: size,
		Chunks:   chunks,
		Proofs:   proofs,
	}, nil
}

type merkleNode struct {
	id           []byte
	dataHash     []byte
	note         int64
	maxByteRange int64
	left, right  *merkleNode
}

func buildTree(chunks []Chunk) *merkleNode {
	nodes := make([]*merkleNode, len(chunks))
	for i, c := range chunks {
		nodes[i] = &merkleNode{
			id:           hashConcat(hashOf(c.DataHash), hashOf(noteBuffer(c.MaxByteRange))),
			dataHash:     c.DataHash,
			note:         c.MaxByteRange,
			maxByteRange: c.MaxByteRange,
		}
	}

	for len(nodes) > 1 {
		next := make([]*merkleNode, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				next = append(next, nodes[i])
				continue
			}
			l, r := nodes[i], nodes[i+1]
			next = append(next, &merkleNode{
				id:           hashConcat(hashOf(l.id), hashOf(r.id), hashOf(noteBuffer(l.maxByteRange))),
				note:         l.maxByteRange,
				maxByteRange: r.maxByteRange,
				left:         l,
				right:        r,
			})
		}
		nodes = next
	}
	return nodes[0]
}

func collectProofs(n *merkleNode, path []byte, out *[]Proof) {
	if n.left == nil && n.right == nil {
		full := make([]byte, 0, len(path)+len(n.dataHash)+noteSize)
		full = append(full, path...)
		full = append(full, n.dataHash...)
		full = append(full, noteBuffer(n.maxByteRange)...)
		*out = append(*out, Proof{Offset: n.maxByteRange - 1, Path: full})
		return
	}

	branch := make([]byte, 0, len(path)+len(n.left.id)+len(n.right.id)+noteSize)
	branch = append(branch, path...)
	branch = append(branch, n.left.id...)
	branch = append(branch, n.right.id...)
	branch = append(branch, noteBuffer(n.note)...)

	collectProofs(n.left, branch, out)
	collectProofs(n.right, branch, out)
}

func hashOf(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func hashConcat(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func noteBuffer(v int64) []byte {
	buf := make([]byte, noteSize)
	binary.BigEndian.PutUint64(buf[noteSize-8:], uint64(v))
	return buf
}
