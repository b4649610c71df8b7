package objectstore

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the in-memory Store used by tests and local development
// without an S3 endpoint.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	uploads map[string]*memUpload
}

type memObject struct {
	data []byte
	info ObjectInfo
}

type memUpload struct {
	key   string
	opts  PutOptions
	parts map[int32]memPart
}

type memPart struct {
	data []byte
	etag string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func partETag(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return fmt.Sprintf("%q", fmt.Sprintf("%x", sum))
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("object body is %d bytes, expected %d", len(data), size)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		data: data,
		info: ObjectInfo{
			Size:        int64(len(data)),
			ContentType: contentType,
			Metadata:    copyMetadata(opts.Metadata),
		},
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}

	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	info := obj.info
	info.Metadata = copyMetadata(obj.info.Metadata)
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	info := obj.info
	info.Metadata = copyMetadata(obj.info.Metadata)
	return info, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	uploadID := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[uploadID] = &memUpload{
		key:   key,
		opts:  opts,
		parts: make(map[int32]memPart),
	}
	return uploadID, nil
}

func (m *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read part body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("part body is %d bytes, expected %d", len(data), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return "", ErrNotFound
	}

	etag := partETag(data)
	upload.parts[partNumber] = memPart{data: data, etag: etag}
	return etag, nil
}

func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return ErrNotFound
	}

	var assembled []byte
	lastPart := int32(0)
	for _, p := range parts {
		if p.PartNumber <= lastPart {
			return fmt.Errorf("parts must be listed in ascending order, got %d after %d", p.PartNumber, lastPart)
		}
		lastPart = p.PartNumber

		stored, ok := upload.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("part %d was never uploaded", p.PartNumber)
		}
		if stored.etag != p.ETag {
			return fmt.Errorf("part %d etag mismatch", p.PartNumber)
		}
		assembled = append(assembled, stored.data...)
	}

	contentType := upload.opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	m.objects[key] = memObject{
		data: assembled,
		info: ObjectInfo{
			Size:        int64(len(assembled)),
			ContentType: contentType,
			Metadata:    copyMetadata(upload.opts.Metadata),
		},
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return ErrNotFound
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	upload, ok := m.uploads[uploadID]
	if !ok || upload.key != key {
		return nil, ErrNotFound
	}

	parts := make([]CompletedPart, 0, len(upload.parts))
	for number, part := range upload.parts {
		parts = append(parts, CompletedPart{
			PartNumber: number,
			ETag:       part.etag,
			Size:       int64(len(part.data)),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*S3Store)(nil)
