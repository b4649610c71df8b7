// Package x402 implements the x402 payment protocol: 402 quote responses,
// EIP-3009 authorization verification, facilitator-mediated settlement, and
// the payg/topup/hybrid application modes.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Version is the x402 protocol version this engine speaks.
const Version = 1

// SchemeExact is the only supported payment scheme: an exact-amount
// EIP-3009 transfer authorization.
const SchemeExact = "exact"

// AssetExtra carries the EIP-712 domain parameters of the payment asset.
// USDC deployments commonly use version "2"; a mismatch here makes every
// signature recover to the wrong address.
type AssetExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequirements is one entry of the accepts list in a 402 response.
type PaymentRequirements struct {
	Scheme            string      `json:"scheme"`
	Network           string      `json:"network"`
	MaxAmountRequired string      `json:"maxAmountRequired"`
	Resource          string      `json:"resource"`
	Description       string      `json:"description"`
	MimeType          string      `json:"mimeType"`
	PayTo             string      `json:"payTo"`
	MaxTimeoutSeconds int64       `json:"maxTimeoutSeconds"`
	Asset             string      `json:"asset"`
	Extra             *AssetExtra `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 Payment Required response.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// ExactEvmAuthorization mirrors the EIP-3009 TransferWithAuthorization
// message. Numeric fields travel as base-10 strings; nonce is 0x-prefixed
// hex of 32 bytes.
type ExactEvmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload is the exact-scheme payload: an authorization plus the
// payer's EIP-712 signature over it.
type ExactEvmPayload struct {
	Signature     string                `json:"signature"`
	Authorization ExactEvmAuthorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEvmPayload `json:"payload"`
}

// DecodePaymentHeader decodes a base64 X-PAYMENT header value.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("payment header is not valid base64: %w", err)
	}

	payload := &PaymentPayload{}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("payment header is not valid JSON: %w", err)
	}

	return payload, nil
}

// EncodePaymentHeader encodes a payment payload into X-PAYMENT header form.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// PaymentReceipt is the settled-payment summary returned to clients in the
// X-Payment-Response header.
type PaymentReceipt struct {
	PaymentID string `json:"paymentId"`
	TxHash    string `json:"txHash"`
	Network   string `json:"network"`
	Mode      string `json:"mode"`
}

// EncodeReceiptHeader encodes a receipt as base64 JSON for the
// X-Payment-Response header.
func EncodeReceiptHeader(receipt PaymentReceipt) string {
	raw, err := json.Marshal(receipt)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
