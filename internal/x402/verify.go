package x402

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// authorizationDigest computes the EIP-712 digest of a TransferWithAuthorization
// message under the asset's domain. The domain name and version come from the
// requirement's extra field; USDC deployments ship version "2" and signing
// against any other version recovers a garbage address.
func authorizationDigest(req *PaymentRequirements, chainID int64, auth ExactEvmAuthorization) ([]byte, error) {
	if req.Extra == nil {
		return nil, errors.New("payment requirement is missing asset domain metadata")
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("authorization value %q is not a base-10 integer", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("authorization validAfter %q is not a base-10 integer", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("authorization validBefore %q is not a base-10 integer", auth.ValidBefore)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Extra.Name,
			Version:           req.Extra.Version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       auth.Nonce,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return digest, nil
}

// RecoverSigner recovers the address that signed the payload's authorization.
func RecoverSigner(payload *PaymentPayload, req *PaymentRequirements, chainID int64) (common.Address, error) {
	digest, err := authorizationDigest(req, chainID, payload.Payload.Authorization)
	if err != nil {
		return common.Address{}, err
	}

	sig := common.FromHex(payload.Payload.Signature)
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Wallets emit V as 27/28 per EIP-712 convention; SigToPub wants 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPayment checks a decoded X-PAYMENT payload against one advertised
// requirement: protocol version, scheme and network match, the authorized
// value covers the price, the recipient is ours, the validity window leaves
// room for settlement, and the signature recovers to the claimed payer.
func VerifyPayment(payload *PaymentPayload, req *PaymentRequirements, chainID int64, now time.Time) error {
	if payload.X402Version != Version {
		return fmt.Errorf("unsupported x402 version %d", payload.X402Version)
	}
	if payload.Scheme != req.Scheme {
		return fmt.Errorf("payment scheme %q does not match required %q", payload.Scheme, req.Scheme)
	}
	if payload.Network != req.Network {
		return fmt.Errorf("payment network %q does not match required %q", payload.Network, req.Network)
	}

	auth := payload.Payload.Authorization

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return fmt.Errorf("authorization value %q is not a base-10 integer", auth.Value)
	}
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return fmt.Errorf("required amount %q is not a base-10 integer", req.MaxAmountRequired)
	}
	if value.Cmp(required) < 0 {
		return fmt.Errorf("authorized value %s is below the required %s", value, required)
	}

	if !strings.EqualFold(auth.To, req.PayTo) {
		return fmt.Errorf("authorization pays %s, expected %s", auth.To, req.PayTo)
	}

	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return fmt.Errorf("authorization validAfter %q is not a unix timestamp", auth.ValidAfter)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return fmt.Errorf("authorization validBefore %q is not a unix timestamp", auth.ValidBefore)
	}
	if now.Unix() < validAfter {
		return fmt.Errorf("authorization is not valid until %d", validAfter)
	}
	// Settlement happens after verification; the authorization must outlive
	// the whole settlement window, not just this instant.
	if validBefore < now.Unix()+req.MaxTimeoutSeconds {
		return fmt.Errorf("authorization expires at %d, inside the %ds settlement window", validBefore, req.MaxTimeoutSeconds)
	}

	signer, err := RecoverSigner(payload, req, chainID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), auth.From) {
		return fmt.Errorf("signature recovers to %s, authorization claims %s", signer.Hex(), auth.From)
	}

	return nil
}
