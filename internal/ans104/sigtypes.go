// Package ans104 implements the ANS-104 data-item envelope: a streaming
// header decoder, the Avro tag codec, bundle assembly, and signing for
// service-owned items.
package ans104

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// SignatureType identifies the signing scheme of a data item. The numeric
// values are part of the wire format.
type SignatureType uint16

const (
	SignatureArweave       SignatureType = 1
	SignatureEd25519       SignatureType = 2
	SignatureEthereum      SignatureType = 3
	SignatureSolana        SignatureType = 4
	SignatureInjectedAptos SignatureType = 5
	SignatureMultiAptos    SignatureType = 6
	SignatureTypedEthereum SignatureType = 7
	SignatureKyve          SignatureType = 101
)

// SignatureConfig fixes the wire lengths and address derivation for one
// signature type.
type SignatureConfig struct {
	Name            string
	SignatureLength int
	OwnerLength     int
}

var signatureConfigs = map[SignatureType]SignatureConfig{
	SignatureArweave:       {Name: "arweave", SignatureLength: 512, OwnerLength: 512},
	SignatureEd25519:       {Name: "ed25519", SignatureLength: 64, OwnerLength: 32},
	SignatureEthereum:      {Name: "ethereum", SignatureLength: 65, OwnerLength: 65},
	SignatureSolana:        {Name: "solana", SignatureLength: 64, OwnerLength: 32},
	SignatureInjectedAptos: {Name: "injectedAptos", SignatureLength: 64, OwnerLength: 32},
	SignatureMultiAptos:    {Name: "multiAptos", SignatureLength: 2052, OwnerLength: 1057},
	SignatureTypedEthereum: {Name: "typedEthereum", SignatureLength: 65, OwnerLength: 42},
	SignatureKyve:          {Name: "kyve", SignatureLength: 65, OwnerLength: 65},
}

var signatureTypesByName = func() map[string]SignatureType {
	m := make(map[string]SignatureType, len(signatureConfigs))
	for st, cfg := range signatureConfigs {
		m[cfg.Name] = st
	}
	return m
}()

// ErrUnknownSignatureType is returned for signature type values outside the
// supported set.
var ErrUnknownSignatureType = errors.New("ans104: unknown signature type")

// Config returns the wire configuration for a signature type.
func (t SignatureType) Config() (SignatureConfig, error) {
	cfg, ok := signatureConfigs[t]
	if !ok {
		return SignatureConfig{}, fmt.Errorf("%w: %d", ErrUnknownSignatureType, t)
	}
	return cfg, nil
}

// String returns the canonical name, or "unknown(N)" for unsupported values.
func (t SignatureType) String() string {
	if cfg, ok := signatureConfigs[t]; ok {
		return cfg.Name
	}
	return fmt.Sprintf("unknown(%d)", t)
}

// ParseSignatureType resolves a canonical name like "ethereum" to its type.
func ParseSignatureType(name string) (SignatureType, error) {
	if st, ok := signatureTypesByName[name]; ok {
		return st, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSignatureType, name)
}

// OwnerAddress derives the native address string for an owner public key of
// the given signature type.
func OwnerAddress(t SignatureType, owner []byte) (string, error) {
	cfg, err := t.Config()
	if err != nil {
		return "", err
	}
	if len(owner) != cfg.OwnerLength {
		return "", fmt.Errorf("ans104: %s owner must be %d bytes, got %d", cfg.Name, cfg.OwnerLength, len(owner))
	}

	switch t {
	case SignatureArweave:
		h := sha256.Sum256(owner)
		return base64.RawURLEncoding.EncodeToString(h[:]), nil
	case SignatureEd25519, SignatureSolana:
		return base58.Encode(owner), nil
	case SignatureEthereum, SignatureKyve:
		pub, err := crypto.UnmarshalPubkey(owner)
		if err != nil {
			return "", fmt.Errorf("ans104: %s owner is not a valid secp256k1 pubkey: %w", cfg.Name, err)
		}
		return crypto.PubkeyToAddress(*pub).Hex(), nil
	case SignatureTypedEthereum:
		// The owner field carries the ASCII address itself.
		return string(owner), nil
	case SignatureInjectedAptos:
		h := sha3.Sum256(append(append([]byte{}, owner...), 0x00))
		return "0x" + hex.EncodeToString(h[:]), nil
	case SignatureMultiAptos:
		h := sha3.Sum256(append(append([]byte{}, owner...), 0x01))
		return "0x" + hex.EncodeToString(h[:]), nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownSignatureType, t)
	}
}

// DataItemId computes the 43-char url-safe-base64 id from a signature.
func DataItemId(signature []byte) string {
	h := sha256.Sum256(signature)
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// HeaderSize returns the envelope byte count ahead of the payload for an
// item with the given shape. Target and anchor are 32 bytes when present.
func HeaderSize(t SignatureType, hasTarget, hasAnchor bool, tagBytes int) (int64, error) {
	cfg, err := t.Config()
	if err != nil {
		return 0, err
	}
	n := int64(2 + cfg.SignatureLength + cfg.OwnerLength + 1 + 1 + 8 + 8 + tagBytes)
	if hasTarget {
		n += 32
	}
	if hasAnchor {
		n += 32
	}
	return n, nil
}
