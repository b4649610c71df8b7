package x402

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	facilitatorVerifyTimeout = 10 * time.Second
	facilitatorSettleTimeout = 30 * time.Second
)

// VerifyResponse is the facilitator's answer to a /verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to a /settle call. A non-empty
// Transaction is the success condition; Success alone is not trusted.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

type facilitatorRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// Facilitator talks to an x402 facilitator service that verifies and settles
// EIP-3009 authorizations on-chain. Settlement can take multiple blocks, so
// it gets a longer timeout than verification.
type Facilitator struct {
	baseURL      string
	apiKeyID     string
	apiKeySecret string
	verifyClient *http.Client
	settleClient *http.Client
}

// NewFacilitator creates a facilitator client. apiKeyID and apiKeySecret are
// optional; when set, every request carries a CDP-style bearer JWT.
func NewFacilitator(baseURL, apiKeyID, apiKeySecret string) *Facilitator {
	return &Facilitator{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKeyID:     apiKeyID,
		apiKeySecret: apiKeySecret,
		verifyClient: &http.Client{Timeout: facilitatorVerifyTimeout},
		settleClient: &http.Client{Timeout: facilitatorSettleTimeout},
	}
}

// Verify asks the facilitator to verify a payment authorization.
func (f *Facilitator) Verify(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*VerifyResponse, error) {
	out := &VerifyResponse{}
	if err := f.post(ctx, f.verifyClient, "/verify", payload, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Settle asks the facilitator to execute the authorization on-chain.
func (f *Facilitator) Settle(ctx context.Context, payload *PaymentPayload, req *PaymentRequirements) (*SettleResponse, error) {
	out := &SettleResponse{}
	if err := f.post(ctx, f.settleClient, "/settle", payload, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Facilitator) post(ctx context.Context, client *http.Client, path string, payload *PaymentPayload, req *PaymentRequirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if f.apiKeyID != "" && f.apiKeySecret != "" {
		token, err := f.bearerToken(time.Now())
		if err != nil {
			return fmt.Errorf("failed to build facilitator bearer token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("facilitator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}

// bearerToken builds the short-lived ES256 JWT Coinbase-style facilitators
// expect: kid and sub are the API key id, audience is cdp_service, and the
// token lives 60 seconds.
func (f *Facilitator) bearerToken(now time.Time) (string, error) {
	key, err := parseFacilitatorKey(f.apiKeySecret)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": f.apiKeyID,
		"iss": "cdp",
		"aud": []string{"cdp_service"},
		"nbf": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})
	token.Header["kid"] = f.apiKeyID

	return token.SignedString(key)
}

// parseFacilitatorKey accepts the API key secret either as PEM or as raw
// base64 DER, in SEC1 or PKCS#8 form. CDP hands out both shapes depending on
// when the key was created.
func parseFacilitatorKey(secret string) (*ecdsa.PrivateKey, error) {
	der := []byte(secret)
	if strings.Contains(secret, "-----BEGIN") {
		block, _ := pem.Decode([]byte(secret))
		if block == nil {
			return nil, errors.New("facilitator API key is not valid PEM")
		}
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
		if err != nil {
			return nil, fmt.Errorf("facilitator API key is neither PEM nor base64: %w", err)
		}
		der = decoded
	}

	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse facilitator API key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("facilitator API key is %T, expected an EC key", parsed)
	}
	return key, nil
}
