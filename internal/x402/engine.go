package x402

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"permagate/internal/ans104"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/pricing"
	"permagate/internal/usdc"
	"permagate/internal/winston"
)

var (
	// ErrNoNetworksEnabled means the 402 quote cannot be served at all.
	ErrNoNetworksEnabled = errors.New("no payment networks enabled")
	// ErrUnsupportedNetwork means the payment names a network we do not accept.
	ErrUnsupportedNetwork = errors.New("unsupported payment network")
	// ErrNoFacilitator means the network has no facilitator to settle through.
	// Local settlement is deliberately not implemented.
	ErrNoFacilitator = errors.New("no facilitator configured for network")
	// ErrPaymentInvalid wraps every verification and settlement rejection so
	// handlers can map the whole class to 402.
	ErrPaymentInvalid = errors.New("payment rejected")
)

func paymentInvalid(err error) error {
	return fmt.Errorf("%w: %w", ErrPaymentInvalid, err)
}

// Engine drives the x402 payment lifecycle: quoting requirements, verifying
// and settling X-PAYMENT headers, applying the payg/topup/hybrid modes, and
// reconciling declared against actual byte counts at finalization.
type Engine struct {
	db           *db.DB
	pricing      *pricing.Service
	cfg          config.X402Config
	facilitators map[string]*Facilitator
}

// New creates an engine. One facilitator client is built per enabled network
// that configures a facilitator URL.
func New(database *db.DB, pricer *pricing.Service, cfg config.X402Config) *Engine {
	facilitators := make(map[string]*Facilitator)
	for _, n := range cfg.Networks {
		if n.Enabled && n.FacilitatorURL != "" {
			facilitators[n.Name] = NewFacilitator(n.FacilitatorURL, cfg.CDPAPIKeyID, cfg.CDPAPIKeySecret)
		}
	}
	return &Engine{
		db:           database,
		pricing:      pricer,
		cfg:          cfg,
		facilitators: facilitators,
	}
}

func (e *Engine) enabledNetworks() []config.X402NetworkConfig {
	var out []config.X402NetworkConfig
	for _, n := range e.cfg.Networks {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) network(name string) (config.X402NetworkConfig, bool) {
	for _, n := range e.cfg.Networks {
		if n.Name == name && n.Enabled {
			return n, true
		}
	}
	return config.X402NetworkConfig{}, false
}

func (e *Engine) requirement(n config.X402NetworkConfig, maxAmount int64, resource, description string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           n.Name,
		MaxAmountRequired: usdc.MicroUSDC(maxAmount).ToBigInt(n.Name).String(),
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             e.cfg.PayTo,
		MaxTimeoutSeconds: int64(e.cfg.PaymentTimeout.Seconds()),
		Asset:             n.USDCAddress,
		Extra:             &AssetExtra{Name: n.USDCName, Version: n.USDCVersion},
	}
}

// Requirements builds the 402 response body quoting byteCount bytes across
// every enabled network.
func (e *Engine) Requirements(ctx context.Context, byteCount int64, sigType ans104.SignatureType, resource string) (*PaymentRequiredResponse, error) {
	networks := e.enabledNetworks()
	if len(networks) == 0 {
		return nil, ErrNoNetworksEnabled
	}

	quote, err := e.pricing.QuoteUSDC(ctx, byteCount, sigType)
	if err != nil {
		return nil, err
	}

	resp := &PaymentRequiredResponse{X402Version: Version}
	description := fmt.Sprintf("%d bytes of permanent storage", byteCount)
	for _, n := range networks {
		resp.Accepts = append(resp.Accepts, e.requirement(n, quote.USDC, resource, description))
	}
	return resp, nil
}

// ChargeParams describes one payment to verify, settle, and record.
type ChargeParams struct {
	// Header is the raw X-PAYMENT header value.
	Header          string
	Mode            db.X402PaymentMode
	UserAddress     string
	UserAddressType string
	// SigType prices the envelope overhead for payg and hybrid.
	SigType ans104.SignatureType
	// DataItemID is required for every mode except topup.
	DataItemID *string
	// DeclaredByteCount bounds the paid upload; required except for topup.
	DeclaredByteCount *int64
	Resource          string
}

// Charge runs the full x402 flow for one payment: decode, verify locally,
// verify and settle through the network's facilitator, then record the
// payment with its mode effects. Settling a tx hash twice returns the prior
// payment row unchanged.
func (e *Engine) Charge(ctx context.Context, params ChargeParams) (*db.X402Payment, error) {
	payload, err := DecodePaymentHeader(params.Header)
	if err != nil {
		return nil, paymentInvalid(err)
	}

	network, ok := e.network(payload.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, payload.Network)
	}

	var quotedWinc winston.Winston
	var maxAmount int64
	var description string
	if params.Mode == db.X402ModeTopup {
		maxAmount = e.cfg.MinimumUSDCAmount
		description = "credit top-up"
	} else {
		if params.DataItemID == nil {
			return nil, fmt.Errorf("data item id is required for %s payments", params.Mode)
		}
		if params.DeclaredByteCount == nil {
			return nil, fmt.Errorf("declared byte count is required for %s payments", params.Mode)
		}
		quote, err := e.pricing.QuoteUSDC(ctx, *params.DeclaredByteCount, params.SigType)
		if err != nil {
			return nil, err
		}
		maxAmount = quote.USDC
		quotedWinc = quote.Winc
		description = fmt.Sprintf("%d bytes of permanent storage", *params.DeclaredByteCount)
	}

	req := e.requirement(network, maxAmount, params.Resource, description)
	if err := VerifyPayment(payload, &req, network.ChainID, time.Now()); err != nil {
		return nil, paymentInvalid(err)
	}

	facilitator := e.facilitators[network.Name]
	if facilitator == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFacilitator, network.Name)
	}

	verified, err := facilitator.Verify(ctx, payload, &req)
	if err != nil {
		return nil, paymentInvalid(err)
	}
	if !verified.IsValid {
		return nil, paymentInvalid(fmt.Errorf("facilitator rejected payment: %s", verified.InvalidReason))
	}

	settled, err := facilitator.Settle(ctx, payload, &req)
	if err != nil {
		return nil, paymentInvalid(err)
	}
	if settled.Transaction == "" {
		reason := settled.ErrorReason
		if reason == "" {
			reason = "facilitator returned no transaction hash"
		}
		return nil, paymentInvalid(fmt.Errorf("settlement failed: %s", reason))
	}

	paidValue, err := paidMicroUSDC(payload.Payload.Authorization.Value, network.Name)
	if err != nil {
		return nil, paymentInvalid(err)
	}
	paidWinc, err := e.pricing.WincForUSDC(ctx, paidValue)
	if err != nil {
		return nil, err
	}

	payment := &db.X402Payment{
		UserAddress:       params.UserAddress,
		UserAddressType:   params.UserAddressType,
		TxHash:            settled.Transaction,
		Network:           network.Name,
		TokenAddress:      network.USDCAddress,
		USDCAmount:        paidValue,
		Mode:              params.Mode,
		DataItemID:        params.DataItemID,
		DeclaredByteCount: params.DeclaredByteCount,
		PayerAddress:      payload.Payload.Authorization.From,
	}

	apply := db.X402PaymentApply{}
	switch params.Mode {
	case db.X402ModeTopup:
		payment.WincAmount = paidWinc
		apply.CreditWinc = paidWinc
	case db.X402ModePayg:
		payment.WincAmount = quotedWinc
		apply.Reserve = true
		apply.ReservationTTL = e.cfg.ReservationTTL
	default: // hybrid
		payment.WincAmount = quotedWinc
		if excess := paidWinc.Sub(quotedWinc); !excess.IsNegative() {
			apply.CreditWinc = excess
		}
		apply.Reserve = true
		apply.ReservationTTL = e.cfg.ReservationTTL
	}

	if _, err := e.db.CreateX402Payment(ctx, payment, apply); err != nil {
		return nil, err
	}
	return payment, nil
}

// FinalizeResult is the verdict for one finalized payment.
type FinalizeResult struct {
	PaymentID  uuid.UUID
	Status     db.X402PaymentStatus
	RefundWinc winston.Winston
}

// Finalize reconciles the pending payment bound to a data item against the
// byte count that actually arrived:
//
//	within tolerance of declared    confirmed
//	smaller beyond tolerance        refunded, wincAmount - actual cost back
//	larger beyond tolerance         fraud_penalty, upload must be rejected
func (e *Engine) Finalize(ctx context.Context, dataItemID string, actualByteCount int64, sigType ans104.SignatureType) (*FinalizeResult, error) {
	payment, err := e.db.GetX402PaymentByDataItemID(ctx, dataItemID)
	if err != nil {
		return nil, err
	}
	if payment.DeclaredByteCount == nil {
		return nil, fmt.Errorf("payment %s has no declared byte count", payment.ID)
	}

	declared := *payment.DeclaredByteCount
	slack := declared * e.cfg.FraudTolerancePercent / 100

	status := db.X402StatusConfirmed
	refund := winston.Zero()
	switch {
	case actualByteCount > declared+slack:
		status = db.X402StatusFraudPenalty
	case actualByteCount < declared-slack:
		status = db.X402StatusRefunded
		if actualByteCount > 0 {
			actualCost, err := e.pricing.CostForBytes(ctx, actualByteCount, sigType, false)
			if err != nil {
				return nil, err
			}
			refund = payment.WincAmount.Sub(actualCost)
			if refund.IsNegative() {
				refund = winston.Zero()
			}
		} else {
			// Nothing arrived; the whole reserved amount goes back.
			refund = payment.WincAmount
		}
	}

	if err := e.db.FinalizeX402Payment(ctx, payment.ID, status, actualByteCount, refund); err != nil {
		return nil, err
	}
	return &FinalizeResult{PaymentID: payment.ID, Status: status, RefundWinc: refund}, nil
}

// SweepExpiredReservations drops reservations whose TTL has lapsed. Wired as
// a repeatable job on the payment service.
func (e *Engine) SweepExpiredReservations(ctx context.Context) (int64, error) {
	return e.db.DeleteExpiredX402Reservations(ctx)
}

// paidMicroUSDC converts an authorization value from on-chain token units
// into microUSDC for the network the payment settled on.
func paidMicroUSDC(s, network string) (int64, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, fmt.Errorf("authorization value %q is not a base-10 integer", s)
	}
	return int64(usdc.FromBigInt(v, network)), nil
}
