// Package mechanism implements the payment schemes for the three protocol
// roles. A ClientMechanism signs authorizations, a ServerMechanism checks them
// against requirements without touching a chain, and a FacilitatorMechanism
// verifies them against chain state and settles them at most once.
//
// Each mechanism is bound to one scheme and one chain adapter at construction.
package mechanism

import (
	"math/big"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
)

// domainFor resolves the signing domain of a requirement. The name and version
// come from extra, falling back to the token registry.
func domainFor(a chain.Adapter, tokens *x402.TokenRegistry, req *x402.PaymentRequirements) (chain.Domain, error) {
	var name, version string
	if req.Extra != nil {
		name, version = req.Extra.Name, req.Extra.Version
	}
	if name == "" && tokens != nil {
		if t, ok := tokens.Lookup(req.Network, req.Asset); ok {
			name = t.Name
			if version == "" {
				version = t.Version
			}
		}
	}
	if name == "" {
		return chain.Domain{}, x402.Errorf(x402.ErrCodeInvalidRequirements, "no signing domain name for asset %s", req.Asset)
	}
	chainID, err := a.ChainID(req.Network)
	if err != nil {
		return chain.Domain{}, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "chain id", err)
	}
	domain, err := a.BuildDomain(name, version, req.Asset, chainID)
	if err != nil {
		return chain.Domain{}, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "signing domain", err)
	}
	return domain, nil
}

// checkPayload runs the chain-free checks shared by servers and facilitators,
// in order, stopping at the first failure.
func checkPayload(v variant, a chain.Adapter, now time.Time, p *x402.PaymentPayload, req *x402.PaymentRequirements) error {
	if p.Scheme != req.Scheme || p.Network != req.Network {
		return x402.Errorf(x402.ErrCodeSchemeOrNetworkMismatch, "payload %s/%s does not match requirement %s/%s",
			p.Scheme, p.Network, req.Scheme, req.Network)
	}
	if req.Scheme != v.scheme() {
		return x402.Errorf(x402.ErrCodeUnsupportedScheme, "mechanism handles %s, not %s", v.scheme(), req.Scheme)
	}
	if !a.ValidNetwork(req.Network) {
		return x402.Errorf(x402.ErrCodeSchemeOrNetworkMismatch, "network %s is not served by this mechanism", req.Network)
	}
	auth := p.Payload.Authorization
	if auth == nil {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "authorization is missing")
	}

	conv := a.Converter()
	if !conv.IsValidFormat(auth.From) {
		return x402.Errorf(x402.ErrCodeInvalidAddressFormat, "invalid from address %q", auth.From)
	}
	if !conv.IsValidFormat(auth.To) {
		return x402.Errorf(x402.ErrCodeInvalidAddressFormat, "invalid to address %q", auth.To)
	}

	if !sameAddress(a, auth.To, req.PayTo) {
		return x402.Errorf(x402.ErrCodeRecipientMismatch, "payment goes to %s, not %s", auth.To, req.PayTo)
	}

	value, ok := x402.ParseBigInt(auth.Value)
	if !ok {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unparsable value %q", auth.Value)
	}
	amount, ok := req.AmountInt()
	if !ok {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unparsable required amount %q", req.Amount)
	}
	if err := checkAmount(req.Scheme, value, amount); err != nil {
		return err
	}

	validAfter, ok1 := x402.ParseBigInt(auth.ValidAfter)
	validBefore, ok2 := x402.ParseBigInt(auth.ValidBefore)
	if !ok1 || !ok2 || !validAfter.IsInt64() || !validBefore.IsInt64() {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unparsable validity window")
	}
	if err := checkWindow(now.Unix(), validAfter.Int64(), validBefore.Int64(), req.Window()); err != nil {
		return err
	}

	if _, err := decodeSignature(p.Payload.Signature); err != nil {
		return err
	}
	if _, err := nonceBytes(auth.Nonce); err != nil {
		return err
	}
	if p.X402Version != x402.X402Version {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unsupported x402Version %d", p.X402Version)
	}
	return v.checkStructure(a, &p.Payload, req)
}

func checkAmount(s x402.Scheme, value, amount *big.Int) error {
	if s.FixedAmount() {
		if value.Cmp(amount) != 0 {
			return x402.Errorf(x402.ErrCodeAmountMismatch, "value %s does not equal amount %s", value, amount)
		}
		return nil
	}
	if value.Sign() <= 0 || value.Cmp(amount) > 0 {
		return x402.Errorf(x402.ErrCodeAmountMismatch, "value %s is outside (0, %s]", value, amount)
	}
	return nil
}

func checkWindow(now, validAfter, validBefore, window int64) error {
	if now > validBefore {
		return x402.Errorf(x402.ErrCodeExpired, "authorization expired at %d", validBefore)
	}
	if now < validAfter {
		return x402.Errorf(x402.ErrCodeNotYetValid, "authorization valid from %d", validAfter)
	}
	skew := int64(x402.ClockSkewTolerance / time.Second)
	if validBefore-validAfter > window+skew {
		return x402.Errorf(x402.ErrCodeWindowTooWide, "validity window %ds exceeds %ds", validBefore-validAfter, window)
	}
	return nil
}

// invalid converts a check failure into a VerifyResponse.
func invalid(err error, payer string) *x402.VerifyResponse {
	reason := x402.ReasonOf(err)
	if reason == "" {
		reason = x402.ErrCodeMalformedPayload
	}
	return &x402.VerifyResponse{
		IsValid:       false,
		InvalidReason: reason,
		Message:       err.Error(),
		Payer:         payer,
	}
}
