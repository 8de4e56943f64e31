package mechanism

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
)

// ValueChooser picks the value to authorize under upto, given the maximum.
type ValueChooser func(req x402.PaymentRequirements, max *big.Int) (*big.Int, error)

// PermitNonceReader returns the current ERC-2612 nonce of owner on a token.
type PermitNonceReader func(ctx context.Context, network, asset, owner string) (*big.Int, error)

// ContractNonces reads permit nonces through r, typically an RPC-backed signer.
func ContractNonces(r ContractReader, a chain.Adapter) PermitNonceReader {
	return func(ctx context.Context, _, asset, owner string) (*big.Int, error) {
		addr, err := a.SigningAddress(owner)
		if err != nil {
			return nil, err
		}
		return readNonce(ctx, r, asset, addr)
	}
}

// ClientMechanism signs payment authorizations for one scheme.
type ClientMechanism struct {
	variant     variant
	adapter     chain.Adapter
	signer      x402.ClientSigner
	tokens      *x402.TokenRegistry
	clock       func() time.Time
	chooseValue ValueChooser
	permitNonce PermitNonceReader
}

// ClientOption configures a ClientMechanism.
type ClientOption func(*ClientMechanism)

// WithClientClock overrides the time source.
func WithClientClock(clock func() time.Time) ClientOption {
	return func(m *ClientMechanism) {
		m.clock = clock
	}
}

// WithValueChooser sets how much to authorize under upto. The default is the
// full maximum.
func WithValueChooser(choose ValueChooser) ClientOption {
	return func(m *ClientMechanism) {
		m.chooseValue = choose
	}
}

// WithPermitNonceReader sets where exact_permit reads the owner's token nonce.
// Without it the nonce is zero.
func WithPermitNonceReader(r PermitNonceReader) ClientOption {
	return func(m *ClientMechanism) {
		m.permitNonce = r
	}
}

// WithClientTokens sets the registry used to resolve signing domains when
// requirements omit extra.name.
func WithClientTokens(tokens *x402.TokenRegistry) ClientOption {
	return func(m *ClientMechanism) {
		m.tokens = tokens
	}
}

// NewClientMechanism creates a client mechanism for scheme on adapter.
func NewClientMechanism(scheme x402.Scheme, adapter chain.Adapter, signer x402.ClientSigner, opts ...ClientOption) (*ClientMechanism, error) {
	v, err := newVariant(scheme)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, x402.Errorf(x402.ErrCodeSignerUnavailable, "signer is required")
	}
	m := &ClientMechanism{
		variant: v,
		adapter: adapter,
		signer:  signer,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Scheme returns the mechanism's scheme.
func (m *ClientMechanism) Scheme() x402.Scheme {
	return m.variant.scheme()
}

// Adapter returns the mechanism's chain adapter.
func (m *ClientMechanism) Adapter() chain.Adapter {
	return m.adapter
}

// CanPay reports whether the mechanism can sign for req.
func (m *ClientMechanism) CanPay(req x402.PaymentRequirements) bool {
	return req.Scheme == m.Scheme() && m.adapter.ValidNetwork(req.Network) &&
		m.adapter.Converter().IsValidFormat(m.signer.Address())
}

// CreatePayload signs an authorization satisfying req.
func (m *ClientMechanism) CreatePayload(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if req.Scheme != m.Scheme() {
		return nil, x402.Errorf(x402.ErrCodeUnsupportedScheme, "mechanism handles %s, not %s", m.Scheme(), req.Scheme)
	}
	if !m.adapter.ValidNetwork(req.Network) {
		return nil, x402.Errorf(x402.ErrCodeInvalidRequirements, "network %s is not a %s network", req.Network, m.adapter.Type())
	}
	conv := m.adapter.Converter()
	if !conv.IsValidFormat(req.PayTo) {
		return nil, x402.Errorf(x402.ErrCodeInvalidRequirements, "invalid payTo %q", req.PayTo)
	}
	if !conv.IsValidFormat(req.Asset) {
		return nil, x402.Errorf(x402.ErrCodeInvalidRequirements, "invalid asset %q", req.Asset)
	}
	amount, ok := req.AmountInt()
	if !ok {
		return nil, x402.Errorf(x402.ErrCodeInvalidRequirements, "invalid amount %q", req.Amount)
	}

	from := m.signer.Address()
	if !conv.IsValidFormat(from) {
		return nil, x402.Errorf(x402.ErrCodeSignerUnavailable, "signer address %q is not valid on %s", from, req.Network)
	}

	value, err := m.value(req, amount)
	if err != nil {
		return nil, err
	}

	domain, err := domainFor(m.adapter, m.tokens, &req)
	if err != nil {
		return nil, err
	}

	now := m.clock().Unix()
	validAfter := now - int64(x402.ClockSkewTolerance/time.Second)
	if validAfter < 0 {
		validAfter = 0
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSignerUnavailable, "generate nonce", err)
	}

	payload, typed, err := m.variant.authorize(ctx, authorizeInput{
		adapter:     m.adapter,
		req:         &req,
		from:        from,
		value:       value,
		validAfter:  validAfter,
		validBefore: now + req.Window(),
		nonce:       nonce,
		permitNonce: m.permitNonce,
	})
	if err != nil {
		return nil, err
	}

	encoded, err := m.adapter.EncodeStruct(domain, typed)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "encode typed data", err)
	}
	sig, err := m.signer.SignStructured(encoded)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSignerUnavailable, "sign authorization", err)
	}
	payload.Signature = "0x" + hex.EncodeToString(sig)

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Resource:    req.Resource,
		Payload:     *payload,
	}, nil
}

func (m *ClientMechanism) value(req x402.PaymentRequirements, amount *big.Int) (*big.Int, error) {
	if m.Scheme().FixedAmount() || m.chooseValue == nil {
		return amount, nil
	}
	value, err := m.chooseValue(req, new(big.Int).Set(amount))
	if err != nil {
		return nil, err
	}
	if value == nil || value.Sign() <= 0 || value.Cmp(amount) > 0 {
		return nil, x402.Errorf(x402.ErrCodeAmountMismatch, "chosen value %v is outside (0, %s]", value, amount)
	}
	return value, nil
}
