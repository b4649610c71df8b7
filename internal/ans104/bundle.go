package ans104

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Bundle binary layout: item-count as a 32-byte little-endian integer,
// then per item a 32-byte size and the raw 32-byte id, then the items
// concatenated in order.

const bundleEntrySize = 64

// BundleEntry describes one item inside a bundle header.
type BundleEntry struct {
	Id   string // url-safe base64 of the 32-byte raw id
	Size int64
}

// BundleHeaderSize returns the byte length of the header for n items.
func BundleHeaderSize(n int) int64 {
	return 32 + int64(n)*bundleEntrySize
}

func put32ByteLong(w io.Writer, v int64) error {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func read32ByteLong(r io.Reader) (int64, error) {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	// Reject values beyond int64 range.
	for _, b := range buf[8:] {
		if b != 0 {
			return 0, fmt.Errorf("ans104: 32-byte integer overflows int64")
		}
	}
	return int64(binary.LittleEndian.Uint64(buf[:8])), nil
}

// WriteBundleHeader emits the header for the given entries. The caller
// streams each item's raw bytes afterwards, in the same order.
func WriteBundleHeader(w io.Writer, entries []BundleEntry) error {
	if err := put32ByteLong(w, int64(len(entries))); err != nil {
		return fmt.Errorf("ans104: write bundle count: %w", err)
	}
	for _, e := range entries {
		rawId, err := base64.RawURLEncoding.DecodeString(e.Id)
		if err != nil || len(rawId) != 32 {
			return fmt.Errorf("ans104: bundle entry id %q is not a 32-byte id", e.Id)
		}
		if err := put32ByteLong(w, e.Size); err != nil {
			return fmt.Errorf("ans104: write bundle entry size: %w", err)
		}
		if _, err := w.Write(rawId); err != nil {
			return fmt.Errorf("ans104: write bundle entry id: %w", err)
		}
	}
	return nil
}

// ParseBundleHeader reads the entry table from the start of a bundle
// payload, leaving r positioned at the first item.
func ParseBundleHeader(r io.Reader) ([]BundleEntry, error) {
	count, err := read32ByteLong(r)
	if err != nil {
		return nil, fmt.Errorf("%w: bundle count: %v", ErrInvalidEnvelope, err)
	}
	if count < 0 || count > 1_000_000 {
		return nil, fmt.Errorf("%w: bundle of %d items", ErrInvalidEnvelope, count)
	}

	entries := make([]BundleEntry, 0, count)
	for i := int64(0); i < count; i++ {
		size, err := read32ByteLong(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle entry %d size: %v", ErrInvalidEnvelope, i, err)
		}
		if size < 0 {
			return nil, fmt.Errorf("%w: bundle entry %d has negative size", ErrInvalidEnvelope, i)
		}
		rawId := make([]byte, 32)
		if _, err := io.ReadFull(r, rawId); err != nil {
			return nil, fmt.Errorf("%w: bundle entry %d id: %v", ErrInvalidEnvelope, i, err)
		}
		entries = append(entries, BundleEntry{
			Id:   base64.RawURLEncoding.EncodeToString(rawId),
			Size: size,
		})
	}
	return entries, nil
}

// NestedItem is one child found while walking a bundle payload.
type NestedItem struct {
	Info *ItemInfo
	// Offset is the child's start relative to the bundle payload start.
	Offset int64
	Size   int64
}

// WalkBundle streams a bundle payload and yields each contained item's
// decoded header with its offset. Payload bytes of each child are skipped,
// not buffered. The callback may stop the walk by returning an error.
func WalkBundle(r io.Reader, fn func(NestedItem) error) error {
	entries, err := ParseBundleHeader(r)
	if err != nil {
		return err
	}

	offset := BundleHeaderSize(len(entries))
	for i, entry := range entries {
		limited := io.LimitReader(r, entry.Size)
		info, err := Parse(limited)
		if err != nil {
			return fmt.Errorf("bundle entry %d (%s): %w", i, entry.Id, err)
		}
		if info.Id != entry.Id {
			return fmt.Errorf("%w: bundle entry %d id %s disagrees with item id %s", ErrInvalidEnvelope, i, entry.Id, info.Id)
		}

		if err := fn(NestedItem{Info: info, Offset: offset, Size: entry.Size}); err != nil {
			return err
		}

		// Drain the remainder of this item before the next entry.
		if _, err := io.Copy(io.Discard, limited); err != nil {
			return fmt.Errorf("bundle entry %d: drain: %w", i, err)
		}
		offset += entry.Size
	}
	return nil
}
