package arweave

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/MicahParks/jwkset"
)

// OwnerLength is the byte width of an RSA-4096 owner modulus.
const OwnerLength = 512

// Wallet is the service-held Arweave key used to sign bundles, receipts and
// service-owned data items.
type Wallet struct {
	key     *rsa.PrivateKey
	owner   []byte
	address string
}

// LoadWallet parses a raw Arweave JWK document.
func LoadWallet(raw []byte) (*Wallet, error) {
	marshalOpts := jwkset.JWKMarshalOptions{Private: true}
	jwk, err := jwkset.NewJWKFromRawJSON(json.RawMessage(raw), marshalOpts, jwkset.JWKValidateOptions{})
	if err != nil {
		return nil, fmt.Errorf("parse wallet JWK: %w", err)
	}

	key, ok := jwk.Key().(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("wallet JWK is %T, want RSA private key", jwk.Key())
	}
	if key.PublicKey.N.BitLen() > OwnerLength*8 {
		return nil, fmt.Errorf("wallet modulus is %d bits, max %d", key.PublicKey.N.BitLen(), OwnerLength*8)
	}

	owner := leftPad(key.PublicKey.N.Bytes(), OwnerLength)
	h := sha256.Sum256(owner)

	return &Wallet{
		key:     key,
		owner:   owner,
		address: base64.RawURLEncoding.EncodeToString(h[:]),
	}, nil
}

// LoadWalletFile reads and parses a JWK wallet file.
func LoadWalletFile(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	return LoadWallet(raw)
}

// Owner returns the padded modulus bytes.
func (w *Wallet) Owner() []byte {
	return w.owner
}

// OwnerB64 returns the modulus in url-safe base64 as used on the wire.
func (w *Wallet) OwnerB64() string {
	return base64.RawURLEncoding.EncodeToString(w.owner)
}

// Address returns base64url(sha256(owner)).
func (w *Wallet) Address() string {
	return w.address
}

// Sign produces an Arweave RSA-PSS signature over a deep-hash digest.
func (w *Wallet) Sign(digest []byte) ([]byte, error) {
	hashed := sha256.Sum256(digest)
	sig, err := rsa.SignPSS(rand.Reader, w.key, crypto.SHA256, hashed[:], &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// VerifyOwnerSignature checks an RSA-PSS signature against a raw owner
// modulus. Used when validating inbound arweave-signed items.
func VerifyOwnerSignature(owner, digest, signature []byte) error {
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(owner),
		E: 65537,
	}
	hashed := sha256.Sum256(digest)
	err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
