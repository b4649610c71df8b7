package ans104

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultContentType is assumed when an item carries no Content-Type tag.
const DefaultContentType = "application/octet-stream"

// ErrInvalidEnvelope covers structural failures while decoding a header.
var ErrInvalidEnvelope = errors.New("ans104: invalid envelope")

// ItemInfo is the decoded header of one data item. The payload itself is
// never buffered; PayloadStart tells the caller where it begins.
type ItemInfo struct {
	Id            string
	SignatureType SignatureType
	Signature     []byte
	Owner         []byte
	OwnerAddress  string
	Target        string
	Anchor        string
	Tags          []Tag
	TagsSection   []byte
	PayloadStart  int64
	ContentType   string
}

// Parse reads exactly the envelope header from r, leaving r positioned at
// the first payload byte. It validates structure only; signature
// verification is separate.
func Parse(r io.Reader) (*ItemInfo, error) {
	var pos int64

	readFull := func(n int, what string) ([]byte, error) {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: short read in %s: %v", ErrInvalidEnvelope, what, err)
		}
		pos += int64(n)
		return buf, nil
	}

	sigTypeRaw, err := readFull(2, "signature type")
	if err != nil {
		return nil, err
	}
	sigType := SignatureType(binary.LittleEndian.Uint16(sigTypeRaw))
	cfg, err := sigType.Config()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	signature, err := readFull(cfg.SignatureLength, "signature")
	if err != nil {
		return nil, err
	}
	owner, err := readFull(cfg.OwnerLength, "owner")
	if err != nil {
		return nil, err
	}
	ownerAddress, err := OwnerAddress(sigType, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	info := &ItemInfo{
		Id:            DataItemId(signature),
		SignatureType: sigType,
		Signature:     signature,
		Owner:         owner,
		OwnerAddress:  ownerAddress,
	}

	target, err := readOptionalField(r, &pos, "target")
	if err != nil {
		return nil, err
	}
	info.Target = target

	anchor, err := readOptionalField(r, &pos, "anchor")
	if err != nil {
		return nil, err
	}
	info.Anchor = anchor

	counts, err := readFull(16, "tag counts")
	if err != nil {
		return nil, err
	}
	numTags := int64(binary.LittleEndian.Uint64(counts[:8]))
	numTagBytes := int64(binary.LittleEndian.Uint64(counts[8:]))

	if numTags < 0 || numTags > MaxTags {
		return nil, fmt.Errorf("%w: %d tags", ErrInvalidEnvelope, numTags)
	}
	if numTagBytes < 0 || numTagBytes > MaxTagSectionSize {
		return nil, fmt.Errorf("%w: tag section of %d bytes", ErrInvalidEnvelope, numTagBytes)
	}
	if (numTags == 0) != (numTagBytes == 0) {
		return nil, fmt.Errorf("%w: tag count %d disagrees with section size %d", ErrInvalidEnvelope, numTags, numTagBytes)
	}

	if numTagBytes > 0 {
		section, err := readFull(int(numTagBytes), "tags")
		if err != nil {
			return nil, err
		}
		tags, err := DecodeTags(section)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if int64(len(tags)) != numTags {
			return nil, fmt.Errorf("%w: tag count %d disagrees with %d decoded", ErrInvalidEnvelope, numTags, len(tags))
		}
		info.Tags = tags
		info.TagsSection = section
	}

	info.PayloadStart = pos
	info.ContentType = TagValue(info.Tags, "Content-Type")
	if info.ContentType == "" {
		info.ContentType = DefaultContentType
	}
	return info, nil
}

func readOptionalField(r io.Reader, pos *int64, what string) (string, error) {
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return "", fmt.Errorf("%w: short read in %s flag: %v", ErrInvalidEnvelope, what, err)
	}
	*pos++

	switch flag[0] {
	case 0:
		return "", nil
	case 1:
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("%w: short read in %s: %v", ErrInvalidEnvelope, what, err)
		}
		*pos += 32
		return base64.RawURLEncoding.EncodeToString(buf), nil
	default:
		return "", fmt.Errorf("%w: %s flag %d", ErrInvalidEnvelope, what, flag[0])
	}
}
