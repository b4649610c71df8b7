package ans104

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permagate/internal/arweave"
)

type ed25519Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newEd25519Signer(t *testing.T) ed25519Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return ed25519Signer{pub: pub, priv: priv}
}

func (s ed25519Signer) SignatureType() SignatureType { return SignatureEd25519 }
func (s ed25519Signer) Owner() []byte                { return s.pub }
func (s ed25519Signer) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, digest), nil
}

// solanaSigner signs with a Solana keypair, the way browser wallets produce
// solana-type items.
type solanaSigner struct {
	key solana.PrivateKey
}

func newSolanaSigner(t *testing.T) solanaSigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return solanaSigner{key: solana.PrivateKey(priv)}
}

func (s solanaSigner) SignatureType() SignatureType { return SignatureSolana }
func (s solanaSigner) Owner() []byte {
	pub := s.key.PublicKey()
	return pub[:]
}
func (s solanaSigner) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(s.key), digest), nil
}

type ethSigner struct {
	key *ecdsa.PrivateKey
}

func newEthSigner(t *testing.T) ethSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return ethSigner{key: key}
}

func (s ethSigner) SignatureType() SignatureType { return SignatureEthereum }
func (s ethSigner) Owner() []byte                { return crypto.FromECDSAPub(&s.key.PublicKey) }
func (s ethSigner) Sign(digest []byte) ([]byte, error) {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(digest), digest)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(msg)), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func payloadHash(payload []byte) [arweave.DeepHashSize]byte {
	h := arweave.NewBlobHasher()
	h.Write(payload)
	return h.Sum()
}

func buildItem(t *testing.T, s Signer, target, anchor []byte, tags []Tag, payload []byte) ([]byte, string) {
	t.Helper()
	header, id, err := BuildSignedHeader(s, target, anchor, tags, payloadHash(payload))
	require.NoError(t, err)
	return append(header, payload...), id
}

func TestParseRoundTrip(t *testing.T) {
	signer := newEd25519Signer(t)
	target := bytes.Repeat([]byte{0x11}, 32)
	anchor := bytes.Repeat([]byte{0x22}, 32)
	tags := []Tag{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "App-Name", Value: "permagate"},
	}
	payload := []byte("hello permanent world")

	item, id := buildItem(t, signer, target, anchor, tags, payload)

	r := bytes.NewReader(item)
	info, err := Parse(r)
	require.NoError(t, err)

	assert.Equal(t, id, info.Id)
	assert.Len(t, info.Id, 43)
	assert.Equal(t, SignatureEd25519, info.SignatureType)
	assert.Equal(t, []byte(signer.pub), info.Owner)

	wantAddr, err := OwnerAddress(SignatureEd25519, signer.pub)
	require.NoError(t, err)
	assert.Equal(t, wantAddr, info.OwnerAddress)

	assert.NotEmpty(t, info.Target)
	assert.NotEmpty(t, info.Anchor)
	assert.Equal(t, tags, info.Tags)
	assert.Equal(t, "text/plain", info.ContentType)

	// The reader must be positioned exactly at the payload.
	assert.Equal(t, int64(len(item)-len(payload)), info.PayloadStart)
	rest := make([]byte, r.Len())
	_, err = r.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, payload, rest)
}

func TestParseNoOptionalFields(t *testing.T) {
	signer := newEd25519Signer(t)
	item, _ := buildItem(t, signer, nil, nil, nil, []byte("payload"))

	info, err := Parse(bytes.NewReader(item))
	require.NoError(t, err)
	assert.Empty(t, info.Target)
	assert.Empty(t, info.Anchor)
	assert.Nil(t, info.Tags)
	assert.Equal(t, DefaultContentType, info.ContentType)

	// 2 + 64 + 32 + 1 + 1 + 16 for an ed25519 item without tags.
	assert.Equal(t, int64(116), info.PayloadStart)
}

func TestParseInvalid(t *testing.T) {
	signer := newEd25519Signer(t)
	valid, _ := buildItem(t, signer, nil, nil, nil, []byte("p"))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown sig type", []byte{0xff, 0xff, 0x00}},
		{"truncated signature", valid[:10]},
		{"truncated owner", valid[:70]},
		{"bad target flag", func() []byte {
			d := append([]byte{}, valid...)
			d[2+64+32] = 7
			return d
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(bytes.NewReader(tc.data))
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestParseTagCountMismatch(t *testing.T) {
	signer := newEd25519Signer(t)
	item, _ := buildItem(t, signer, nil, nil, []Tag{{Name: "a", Value: "b"}}, []byte("p"))

	// Bump the declared tag count without touching the section.
	tagCountOffset := 2 + 64 + 32 + 1 + 1
	item[tagCountOffset] = 2

	_, err := Parse(bytes.NewReader(item))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestVerifySignatureEd25519(t *testing.T) {
	signer := newEd25519Signer(t)
	payload := []byte("verify me")
	item, _ := buildItem(t, signer, nil, nil, []Tag{{Name: "k", Value: "v"}}, payload)

	info, err := Parse(bytes.NewReader(item))
	require.NoError(t, err)

	require.NoError(t, VerifySignature(info, payloadHash(payload)))
	assert.ErrorIs(t, VerifySignature(info, payloadHash([]byte("other bytes"))), ErrBadSignature)
}

func TestVerifySignatureSolana(t *testing.T) {
	signer := newSolanaSigner(t)
	payload := []byte("solana signed payload")
	item, _ := buildItem(t, signer, nil, nil, nil, payload)

	info, err := Parse(bytes.NewReader(item))
	require.NoError(t, err)
	assert.Equal(t, SignatureSolana, info.SignatureType)
	// The owner address must be the wallet's base58 pubkey as Solana
	// tooling renders it.
	assert.Equal(t, signer.key.PublicKey().String(), info.OwnerAddress)

	require.NoError(t, VerifySignature(info, payloadHash(payload)))
	assert.ErrorIs(t, VerifySignature(info, payloadHash([]byte("tampered"))), ErrBadSignature)
}

func TestVerifySignatureEthereum(t *testing.T) {
	signer := newEthSigner(t)
	payload := bytes.Repeat([]byte("eth"), 100)
	item, _ := buildItem(t, signer, nil, nil, nil, payload)

	info, err := Parse(bytes.NewReader(item))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(signer.key.PublicKey).Hex(), info.OwnerAddress)

	require.NoError(t, VerifySignature(info, payloadHash(payload)))
	assert.ErrorIs(t, VerifySignature(info, payloadHash([]byte("tampered"))), ErrBadSignature)
}

func TestVerifySignatureUnsupported(t *testing.T) {
	info := &ItemInfo{SignatureType: SignatureMultiAptos}
	assert.ErrorIs(t, VerifySignature(info, [arweave.DeepHashSize]byte{}), ErrVerifyUnsupported)
}

func TestBuildSignedHeaderValidatesShape(t *testing.T) {
	signer := newEd25519Signer(t)
	var ph [arweave.DeepHashSize]byte

	_, _, err := BuildSignedHeader(signer, []byte("short"), nil, nil, ph)
	assert.Error(t, err)

	_, _, err = BuildSignedHeader(signer, nil, []byte("also-short"), nil, ph)
	assert.Error(t, err)
}
