// Package kms decrypts secrets sealed with AWS KMS. The bundler wallet is
// stored as base64 ciphertext in the environment and unsealed once at boot.
package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Config holds the KMS region and key used for wallet decryption.
type Config struct {
	Region string
	KeyID  string
}

// Client wraps the AWS KMS API for secret decryption.
type Client struct {
	kms   *kms.Client
	keyID string
}

// New creates a KMS client using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Region == "" {
		return nil, errors.New("kms region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return &Client{
		kms:   kms.NewFromConfig(awsCfg),
		keyID: cfg.KeyID,
	}, nil
}

// Decrypt unseals base64-encoded KMS ciphertext and returns the plaintext.
func (c *Client) Decrypt(ctx context.Context, ciphertextB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	input := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if c.keyID != "" {
		input.KeyId = &c.keyID
	}

	out, err := c.kms.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt failed: %w", err)
	}
	return out.Plaintext, nil
}
