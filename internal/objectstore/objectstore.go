// Package objectstore abstracts the durable raw-data-item store. The
// production implementation is S3-compatible (AWS S3 or MinIO); an
// in-memory implementation backs tests.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Object metadata keys persisted alongside each raw data item so the
// payload can be served without re-parsing the envelope.
const (
	MetaPayloadDataStart   = "payload-data-start"
	MetaPayloadContentType = "payload-content-type"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// MetaValue looks up a metadata key case-insensitively. S3-compatible
// servers do not preserve metadata key casing.
func MetaValue(metadata map[string]string, key string) (string, bool) {
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// PutOptions carries optional attributes for a stored object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// CompletedPart identifies one uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// Store is the object store used for raw data items and assembled
// bundles.
type Store interface {
	// Put stores an object. A negative size streams the body with
	// unknown length.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	// Get returns the object body and its metadata. The caller owns the
	// returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Head returns object metadata without the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CreateMultipartUpload starts a multipart upload and returns the
	// store-side upload id.
	CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error)

	// UploadPart stores one part and returns its etag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error)

	// CompleteMultipartUpload assembles the named parts into the final
	// object.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error

	// AbortMultipartUpload discards an in-progress multipart upload.
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	// ListParts returns the parts uploaded so far, ordered by part
	// number.
	ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error)
}
