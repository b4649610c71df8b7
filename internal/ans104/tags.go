package ans104

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Tag is one name/value pair attached to a data item. Order is preserved.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ANS-104 tag constraints.
const (
	MaxTags         = 128
	MaxTagNameSize  = 1024
	MaxTagValueSize = 3072
	// MaxTagSectionSize bounds the raw encoded tag section read into memory.
	MaxTagSectionSize = MaxTags * (MaxTagNameSize + MaxTagValueSize + 20)
)

var (
	ErrTooManyTags   = errors.New("ans104: too many tags")
	ErrTagTooLarge   = errors.New("ans104: tag field too large")
	ErrMalformedTags = errors.New("ans104: malformed tag section")
)

// The tag section is the Avro array encoding of {name: bytes, value: bytes}
// records: a zig-zag varint block count, the records, then a zero terminator.

func appendZigZag(buf []byte, v int64) []byte {
	u := uint64((v << 1) ^ (v >> 63))
	for u >= 0x80 {
		buf = append(buf, byte(u)|0x80)
		u >>= 7
	}
	return append(buf, byte(u))
}

func readZigZag(r io.ByteReader) (int64, error) {
	var u uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		u |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, ErrMalformedTags
		}
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

// EncodeTags serializes tags into the wire tag section. Zero tags yield an
// empty section.
func EncodeTags(tags []Tag) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	if len(tags) > MaxTags {
		return nil, fmt.Errorf("%w: %d", ErrTooManyTags, len(tags))
	}

	var buf []byte
	buf = appendZigZag(buf, int64(len(tags)))
	for _, tag := range tags {
		if len(tag.Name) > MaxTagNameSize || len(tag.Value) > MaxTagValueSize {
			return nil, fmt.Errorf("%w: %q", ErrTagTooLarge, tag.Name)
		}
		buf = appendZigZag(buf, int64(len(tag.Name)))
		buf = append(buf, tag.Name...)
		buf = appendZigZag(buf, int64(len(tag.Value)))
		buf = append(buf, tag.Value...)
	}
	buf = appendZigZag(buf, 0)
	return buf, nil
}

// DecodeTags parses a wire tag section back into ordered tags.
func DecodeTags(section []byte) ([]Tag, error) {
	if len(section) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(section)

	var tags []Tag
	for {
		count, err := readZigZag(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTags, err)
		}
		if count == 0 {
			break
		}
		if count < 0 {
			// Negative block count is followed by the block byte size.
			count = -count
			if _, err := readZigZag(r); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedTags, err)
			}
		}
		if int64(len(tags))+count > MaxTags {
			return nil, fmt.Errorf("%w: %d", ErrTooManyTags, int64(len(tags))+count)
		}

		for i := int64(0); i < count; i++ {
			name, err := readTagField(r, MaxTagNameSize)
			if err != nil {
				return nil, err
			}
			value, err := readTagField(r, MaxTagValueSize)
			if err != nil {
				return nil, err
			}
			tags = append(tags, Tag{Name: name, Value: value})
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTags, r.Len())
	}
	return tags, nil
}

func readTagField(r *bytes.Reader, max int) (string, error) {
	n, err := readZigZag(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTags, err)
	}
	if n < 0 || n > int64(max) {
		return "", fmt.Errorf("%w: field of %d bytes", ErrTagTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTags, err)
	}
	return string(buf), nil
}

// TagValue returns the value of the first tag whose name matches, or "".
func TagValue(tags []Tag, name string) string {
	for _, tag := range tags {
		if tag.Name == name {
			return tag.Value
		}
	}
	return ""
}
