package facilitator

import (
	"context"

	"github.com/bankofai/x402-go"
)

// Interface defines the standard facilitator contract for payment verification and settlement.
// Both the in-process Facilitator and the HTTP FacilitatorClient satisfy it.
type Interface interface {
	// Verify checks a payment authorization without executing it.
	Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle executes a verified payment on chain, at most once.
	Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleResponse, error)

	// Supported lists the (scheme, network) pairs the facilitator settles.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// FeeQuoter is implemented by facilitators that charge a fee.
type FeeQuoter interface {
	FeeQuote(ctx context.Context, requirement x402.PaymentRequirements) (*x402.FeeQuoteResponse, error)
}

// Request is the body of the verify and settle endpoints.
type Request struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// FeeQuoteRequest is the body of the fee quote endpoint.
type FeeQuoteRequest struct {
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}
