package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/encoding"
	"github.com/bankofai/x402-go/facilitator"
	"github.com/bankofai/x402-go/mechanism"
	"github.com/bankofai/x402-go/validation"
)

const (
	// PaymentHeader carries the client's base64 JSON payment payload.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the base64 JSON settlement result.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// Payment is the verified payment attached to a gated request's context.
type Payment struct {
	Payload      x402.PaymentPayload
	Requirement  x402.PaymentRequirements
	Verification *x402.VerifyResponse

	// Settlement is set when the payment was already settled during Check.
	Settlement *x402.SettleResponse
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("x402_payment")

// PaymentFromContext returns the verified payment stored by the middleware.
func PaymentFromContext(ctx context.Context) (*Payment, bool) {
	p, ok := ctx.Value(PaymentContextKey).(*Payment)
	return p, ok
}

// Rejection is a response the paywall wants written instead of the resource.
type Rejection struct {
	Status int
	Body   any
}

// Paywall holds the request-independent state of the x402 middleware. The
// stdlib and gin middlewares drive it.
type Paywall struct {
	cfg          *Config
	primary      facilitator.Interface
	fallback     facilitator.Interface
	servers      *mechanism.Servers
	requirements []x402.PaymentRequirements
	logger       *zap.Logger
}

// NewPaywall validates config, builds the facilitator clients and local server
// mechanisms, and enriches the requirements from the facilitator's supported kinds.
func NewPaywall(config *Config) (*Paywall, error) {
	if len(config.PaymentRequirements) == 0 {
		return nil, x402.Errorf(x402.ErrCodeInvalidRequirements, "no payment requirements configured")
	}
	if err := validateRequirements(config.PaymentRequirements, true); err != nil {
		return nil, err
	}

	p := &Paywall{cfg: config, logger: config.Logger}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	p.primary = config.Facilitator
	if p.primary == nil {
		if config.FacilitatorURL == "" {
			return nil, fmt.Errorf("x402: FacilitatorURL or Facilitator is required")
		}
		p.primary = config.facilitatorClient(config.FacilitatorURL, config.FacilitatorAuthorization, config.FacilitatorAuthorizationProvider, config.FacilitatorHooks)
	}
	p.fallback = config.FallbackFacilitator
	if p.fallback == nil && config.FallbackFacilitatorURL != "" {
		p.fallback = config.facilitatorClient(config.FallbackFacilitatorURL, config.FallbackFacilitatorAuthorization, config.FallbackFacilitatorAuthorizationProvider, config.FallbackFacilitatorHooks)
	}

	tokens := config.Tokens
	if tokens == nil {
		tokens = x402.DefaultTokenRegistry()
	}
	var opts []mechanism.ServerOption
	if config.Clock != nil {
		opts = append(opts, mechanism.WithServerClock(config.Clock))
	}
	servers, err := mechanism.NewServers(tokens, requirementNetworks(config.PaymentRequirements), opts...)
	if err != nil {
		return nil, err
	}
	p.servers = servers

	ctx, cancel := context.WithTimeout(context.Background(), config.timeouts().VerifyTimeout)
	defer cancel()
	p.requirements, err = EnrichRequirements(ctx, p.primary, config.PaymentRequirements)
	if err != nil {
		p.logger.Warn("failed to enrich payment requirements from facilitator", zap.Error(err))
	}
	if err := validateRequirements(p.requirements, false); err != nil {
		return nil, err
	}
	return p, nil
}

// validateRequirements checks each requirement. Before enrichment a permit
// requirement may still lack extra.spender, which the facilitator supplies.
func validateRequirements(reqs []x402.PaymentRequirements, allowMissingSpender bool) error {
	for i, req := range reqs {
		err := validation.ValidateRequirements(req)
		if err == nil {
			continue
		}
		var pe *x402.PaymentError
		if allowMissingSpender && errors.As(err, &pe) && pe.Details["field"] == "extra.spender" {
			continue
		}
		return fmt.Errorf("requirement %d: %w", i, err)
	}
	return nil
}

func requirementNetworks(reqs []x402.PaymentRequirements) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range reqs {
		if !seen[r.Network] {
			seen[r.Network] = true
			out = append(out, r.Network)
		}
	}
	return out
}

// Requirements returns the configured requirements bound to the request's URL.
func (p *Paywall) Requirements(r *http.Request) []x402.PaymentRequirements {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	resourceURL := scheme + "://" + r.Host + r.URL.RequestURI()

	out := make([]x402.PaymentRequirements, len(p.requirements))
	for i, req := range p.requirements {
		out[i] = req
		out[i].Resource = resourceURL
		if out[i].Description == "" {
			out[i].Description = "Payment required for " + r.URL.Path
		}
	}
	return out
}

// Check parses and verifies the request's payment. Payloads the local server
// mechanism rejects never reach the facilitator.
func (p *Paywall) Check(r *http.Request, reqs []x402.PaymentRequirements) (*Payment, *Rejection) {
	header := r.Header.Get(PaymentHeader)
	if header == "" {
		p.logger.Debug("no payment header provided", zap.String("path", r.URL.Path))
		return nil, paymentRequired(reqs, "payment required for this resource")
	}

	payload, err := encoding.DecodePayment(header)
	if err != nil {
		p.logger.Warn("invalid payment header", zap.Error(err))
		return nil, &Rejection{Status: http.StatusBadRequest, Body: errorResponse("invalid payment header", x402.ErrCodeMalformedPayload)}
	}
	if err := validation.ValidatePayload(payload); err != nil {
		p.logger.Warn("malformed payment payload", zap.Error(err))
		return nil, paymentRequired(reqs, string(x402.ReasonOf(err)))
	}

	req, err := p.match(payload, reqs)
	if err != nil {
		p.logger.Info("payment rejected locally",
			zap.String("scheme", string(payload.Scheme)),
			zap.String("network", payload.Network),
			zap.String("reason", string(x402.ReasonOf(err))),
		)
		return nil, paymentRequired(reqs, string(x402.ReasonOf(err)))
	}

	log := p.logger.With(zap.String("scheme", string(req.Scheme)), zap.String("network", req.Network), zap.String("payer", payload.Payer()))
	log.Debug("verifying payment")
	resp, err := p.primary.Verify(r.Context(), payload, req)
	if err != nil && p.fallback != nil {
		log.Warn("primary facilitator failed, trying fallback", zap.Error(err))
		resp, err = p.fallback.Verify(r.Context(), payload, req)
	}
	if err != nil {
		log.Error("facilitator verification failed", zap.Error(err))
		return nil, &Rejection{Status: http.StatusServiceUnavailable, Body: errorResponse("payment verification failed", x402.ErrCodeFacilitatorUnavailable)}
	}
	if !resp.IsValid && resp.InvalidReason == x402.ErrCodeNonceAlreadyUsed && !p.cfg.VerifyOnly {
		// A retried header whose settlement was still confirming; the
		// facilitator returns the recorded outcome for the same authorization.
		log.Info("nonce already used, settling for recorded outcome")
		settled, rej := p.settle(r.Context(), log, payload, req, reqs)
		if rej != nil {
			return nil, rej
		}
		return &Payment{
			Payload:      payload,
			Requirement:  req,
			Verification: &x402.VerifyResponse{IsValid: true, Payer: settled.Payer},
			Settlement:   settled,
		}, nil
	}
	if !resp.IsValid {
		log.Info("payment invalid", zap.String("reason", string(resp.InvalidReason)))
		return nil, paymentRequired(reqs, string(resp.InvalidReason))
	}

	log.Debug("payment verified")
	return &Payment{Payload: payload, Requirement: req, Verification: resp}, nil
}

// match returns the first requirement the payload satisfies, or the error of
// the first candidate with the payload's scheme and network.
func (p *Paywall) match(payload x402.PaymentPayload, reqs []x402.PaymentRequirements) (x402.PaymentRequirements, error) {
	var firstErr error
	for _, req := range reqs {
		if req.Scheme != payload.Scheme || req.Network != payload.Network {
			continue
		}
		err := p.servers.Validate(payload, req)
		if err == nil {
			return req, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = x402.Errorf(x402.ErrCodeNoMatchingRequirement, "no requirement for %s on %s", payload.Scheme, payload.Network)
	}
	return x402.PaymentRequirements{}, firstErr
}

// Settle settles payment unless the paywall is verify-only. On success the
// X-PAYMENT-RESPONSE header is set on h.
func (p *Paywall) Settle(ctx context.Context, h http.Header, payment *Payment, reqs []x402.PaymentRequirements) *Rejection {
	if p.cfg.VerifyOnly {
		return nil
	}
	log := p.logger.With(zap.String("payer", payment.Payload.Payer()), zap.String("network", payment.Requirement.Network))

	resp := payment.Settlement
	if resp == nil {
		var rej *Rejection
		resp, rej = p.settle(ctx, log, payment.Payload, payment.Requirement, reqs)
		if rej != nil {
			return rej
		}
	}

	encoded, err := encoding.EncodeSettlement(*resp)
	if err != nil {
		log.Warn("failed to add payment response header", zap.Error(err))
		return nil
	}
	h.Set(PaymentResponseHeader, encoded)
	return nil
}

// settle asks the primary facilitator, then the fallback, to settle payload and
// maps an unsuccessful outcome to a rejection.
func (p *Paywall) settle(ctx context.Context, log *zap.Logger, payload x402.PaymentPayload, req x402.PaymentRequirements, reqs []x402.PaymentRequirements) (*x402.SettleResponse, *Rejection) {
	start := time.Now()
	resp, err := p.primary.Settle(ctx, payload, req)
	if err != nil && p.fallback != nil {
		log.Warn("primary facilitator settlement failed, trying fallback", zap.Error(err))
		resp, err = p.fallback.Settle(ctx, payload, req)
	}
	if err != nil {
		log.Error("settlement failed", zap.Error(err))
		return nil, &Rejection{Status: http.StatusServiceUnavailable, Body: errorResponse("payment settlement failed", x402.ReasonOf(err))}
	}
	if !resp.Success {
		log.Warn("settlement unsuccessful", zap.String("reason", string(resp.ErrorReason)))
		if x402.Retryable(resp.ErrorReason) {
			return nil, &Rejection{Status: http.StatusServiceUnavailable, Body: errorResponse("payment settlement pending", resp.ErrorReason)}
		}
		return nil, paymentRequired(reqs, string(resp.ErrorReason))
	}

	log.Info("payment settled", zap.String("tx", resp.Transaction), zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func paymentRequired(reqs []x402.PaymentRequirements, reason string) *Rejection {
	return &Rejection{
		Status: http.StatusPaymentRequired,
		Body: x402.PaymentRequirementsResponse{
			X402Version: x402.X402Version,
			Error:       reason,
			Accepts:     reqs,
		},
	}
}

type x402Error struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Reason      x402.ErrorCode `json:"reason,omitempty"`
}

func errorResponse(msg string, reason x402.ErrorCode) x402Error {
	return x402Error{X402Version: x402.X402Version, Error: msg, Reason: reason}
}

// Write sends the rejection as JSON.
func (rej *Rejection) Write(w http.ResponseWriter) {
	writeJSON(w, rej.Status, rej.Body)
}
