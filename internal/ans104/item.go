package ans104

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"permagate/internal/arweave"
)

// Signer produces ANS-104 signatures for service-owned items.
type Signer interface {
	SignatureType() SignatureType
	Owner() []byte
	Sign(digest []byte) ([]byte, error)
}

// ArweaveSigner adapts the service wallet to the Signer interface.
type ArweaveSigner struct {
	Wallet *arweave.Wallet
}

func (s ArweaveSigner) SignatureType() SignatureType { return SignatureArweave }
func (s ArweaveSigner) Owner() []byte                { return s.Wallet.Owner() }
func (s ArweaveSigner) Sign(digest []byte) ([]byte, error) {
	return s.Wallet.Sign(digest)
}

// SigningDigest computes the deep-hash preimage of a data item whose
// payload blob hash was computed separately (streamed).
func SigningDigest(t SignatureType, owner, target, anchor, tagsSection []byte, payloadHash [arweave.DeepHashSize]byte) []byte {
	digest := arweave.DeepHash(arweave.List(
		arweave.BlobString("dataitem"),
		arweave.BlobString("1"),
		arweave.BlobString(strconv.Itoa(int(t))),
		arweave.Blob(owner),
		arweave.Blob(target),
		arweave.Blob(anchor),
		arweave.Blob(tagsSection),
		arweave.PrehashedBlob(payloadHash),
	))
	return digest[:]
}

// BuildSignedHeader signs an item shape and serializes the envelope header.
// The caller appends the payload bytes after the header to form the item.
func BuildSignedHeader(s Signer, target, anchor []byte, tags []Tag, payloadHash [arweave.DeepHashSize]byte) (header []byte, id string, err error) {
	sigType := s.SignatureType()
	cfg, err := sigType.Config()
	if err != nil {
		return nil, "", err
	}
	owner := s.Owner()
	if len(owner) != cfg.OwnerLength {
		return nil, "", fmt.Errorf("ans104: signer owner is %d bytes, want %d", len(owner), cfg.OwnerLength)
	}
	if len(target) != 0 && len(target) != 32 {
		return nil, "", fmt.Errorf("ans104: target must be 32 bytes, got %d", len(target))
	}
	if len(anchor) != 0 && len(anchor) != 32 {
		return nil, "", fmt.Errorf("ans104: anchor must be 32 bytes, got %d", len(anchor))
	}

	tagsSection, err := EncodeTags(tags)
	if err != nil {
		return nil, "", err
	}

	digest := SigningDigest(sigType, owner, target, anchor, tagsSection, payloadHash)
	signature, err := s.Sign(digest)
	if err != nil {
		return nil, "", fmt.Errorf("ans104: sign item: %w", err)
	}
	if len(signature) != cfg.SignatureLength {
		return nil, "", fmt.Errorf("ans104: signature is %d bytes, want %d", len(signature), cfg.SignatureLength)
	}

	var buf bytes.Buffer
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(sigType))
	buf.Write(u16[:])
	buf.Write(signature)
	buf.Write(owner)
	writeOptional(&buf, target)
	writeOptional(&buf, anchor)
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(tags)))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(len(tagsSection)))
	buf.Write(u64[:])
	buf.Write(tagsSection)

	return buf.Bytes(), DataItemId(signature), nil
}

func writeOptional(buf *bytes.Buffer, field []byte) {
	if len(field) == 0 {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(field)
}

// ErrVerifyUnsupported marks signature types the service accepts without
// cryptographic verification.
var ErrVerifyUnsupported = errors.New("ans104: signature verification unsupported for this type")

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("ans104: signature verification failed")

// VerifySignature checks an item's signature given the streamed payload
// blob hash. Callers decide whether ErrVerifyUnsupported is acceptable.
func VerifySignature(info *ItemInfo, payloadHash [arweave.DeepHashSize]byte) error {
	target, err := decodeField(info.Target)
	if err != nil {
		return fmt.Errorf("%w: target: %v", ErrInvalidEnvelope, err)
	}
	anchor, err := decodeField(info.Anchor)
	if err != nil {
		return fmt.Errorf("%w: anchor: %v", ErrInvalidEnvelope, err)
	}
	digest := SigningDigest(info.SignatureType, info.Owner, target, anchor, info.TagsSection, payloadHash)

	switch info.SignatureType {
	case SignatureArweave:
		if err := arweave.VerifyOwnerSignature(info.Owner, digest, info.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil

	case SignatureEd25519, SignatureSolana, SignatureInjectedAptos:
		if !ed25519.Verify(ed25519.PublicKey(info.Owner), digest, info.Signature) {
			return ErrBadSignature
		}
		return nil

	case SignatureEthereum, SignatureKyve:
		recovered, err := recoverPersonalSign(digest, info.Signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		if !bytes.Equal(recovered, info.Owner) {
			return ErrBadSignature
		}
		return nil

	case SignatureTypedEthereum:
		return verifyTypedEthereum(info, digest)

	default:
		return ErrVerifyUnsupported
	}
}

// recoverPersonalSign recovers the uncompressed pubkey from an Ethereum
// personal-message signature over the digest bytes.
func recoverPersonalSign(digest, signature []byte) ([]byte, error) {
	if len(signature) != 65 {
		return nil, fmt.Errorf("signature is %d bytes", len(signature))
	}
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(digest), digest)
	hash := crypto.Keccak256([]byte(msg))

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return crypto.Ecrecover(hash, sig)
}

// verifyTypedEthereum checks the EIP-712 variant where the owner field is
// the ASCII signer address and the message binds the item digest.
func verifyTypedEthereum(info *ItemInfo, digest []byte) error {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			"Bundlr": []apitypes.Type{
				{Name: "Transaction hash", Type: "bytes"},
				{Name: "address", Type: "address"},
			},
		},
		PrimaryType: "Bundlr",
		Domain: apitypes.TypedDataDomain{
			Name:    "Bundlr",
			Version: "1",
		},
		Message: apitypes.TypedDataMessage{
			"Transaction hash": digest,
			"address":          string(info.Owner),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	sig := make([]byte, 65)
	copy(sig, info.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)

	owner := string(info.Owner)
	if !bytes.EqualFold([]byte(recovered.Hex()), []byte(owner)) {
		return ErrBadSignature
	}
	return nil
}

func decodeField(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(b64)
}
