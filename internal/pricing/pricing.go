package pricing

import (
	"context"
	"fmt"

	"permagate/internal/ans104"
	"permagate/internal/gateway"
	"permagate/internal/winston"
)

// Config tunes the pricing service.
type Config struct {
	// BufferPercent is the markup applied to USDC quotes so price drift
	// between quote and settlement stays covered.
	BufferPercent int64

	// SubsidyPercent discounts the winston cost for subsidized uploads.
	SubsidyPercent int64

	// MinimumUSDCAmount floors every USDC quote, in atomic units.
	MinimumUSDCAmount int64

	// FreeUploadLimit is the byte count under which uploads cost nothing.
	FreeUploadLimit int64
}

// Quote is one priced upload: the winston amount to reserve and the
// USDC amount to charge for it.
type Quote struct {
	Winc winston.Winston
	USDC int64
}

// Service computes storage costs.
type Service struct {
	gateway gateway.Client
	oracle  *Oracle
	cfg     Config
}

// New creates a pricing service.
func New(gw gateway.Client, oracle *Oracle, cfg Config) *Service {
	if cfg.MinimumUSDCAmount <= 0 {
		cfg.MinimumUSDCAmount = 1000
	}
	return &Service{gateway: gw, oracle: oracle, cfg: cfg}
}

// envelopeOverhead is the minimum header size charged on top of the
// payload for a given signature scheme.
func envelopeOverhead(sigType ans104.SignatureType) (int64, error) {
	overhead, err := ans104.HeaderSize(sigType, false, false, 0)
	if err != nil {
		return 0, fmt.Errorf("cannot price unknown signature type: %w", err)
	}
	return overhead, nil
}

// CostForBytes prices byteCount payload bytes in winston. Uploads at or
// under the free limit cost zero; subsidized callers get the configured
// discount.
func (s *Service) CostForBytes(ctx context.Context, byteCount int64, sigType ans104.SignatureType, subsidized bool) (winston.Winston, error) {
	if byteCount <= 0 {
		return winston.Zero(), fmt.Errorf("byte count must be positive, got %d", byteCount)
	}
	if byteCount <= s.cfg.FreeUploadLimit {
		return winston.Zero(), nil
	}

	overhead, err := envelopeOverhead(sigType)
	if err != nil {
		return winston.Zero(), err
	}

	cost, err := s.gateway.GetPriceForBytes(ctx, byteCount+overhead)
	if err != nil {
		return winston.Zero(), fmt.Errorf("failed to fetch byte price: %w", err)
	}

	if subsidized && s.cfg.SubsidyPercent > 0 {
		cost = cost.MulDiv(100-s.cfg.SubsidyPercent, 100)
	}
	return cost, nil
}

// QuoteUSDC prices byteCount bytes for an x402 payment: the gateway
// winston price plus the quote buffer, converted at the current AR/USD
// rate and floored at the minimum charge.
func (s *Service) QuoteUSDC(ctx context.Context, byteCount int64, sigType ans104.SignatureType) (*Quote, error) {
	if byteCount <= 0 {
		return nil, fmt.Errorf("byte count must be positive, got %d", byteCount)
	}

	overhead, err := envelopeOverhead(sigType)
	if err != nil {
		return nil, err
	}

	price, err := s.gateway.GetPriceForBytes(ctx, byteCount+overhead)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch byte price: %w", err)
	}
	winc := price.AddPercent(s.cfg.BufferPercent)

	rate, err := s.oracle.ARUSD(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch AR/USD rate: %w", err)
	}

	usdc, err := winc.ToUSDCAtomic(rate)
	if err != nil {
		return nil, err
	}
	if usdc < s.cfg.MinimumUSDCAmount {
		usdc = s.cfg.MinimumUSDCAmount
	}

	return &Quote{Winc: winc, USDC: usdc}, nil
}

// WincForUSDC converts a paid USDC amount into winston credit at the
// current AR/USD rate.
func (s *Service) WincForUSDC(ctx context.Context, usdcAtomic int64) (winston.Winston, error) {
	if usdcAtomic <= 0 {
		return winston.Zero(), nil
	}

	rate, err := s.oracle.ARUSD(ctx)
	if err != nil {
		return winston.Zero(), fmt.Errorf("failed to fetch AR/USD rate: %w", err)
	}
	return winston.FromUSDCAtomic(usdcAtomic, rate)
}
