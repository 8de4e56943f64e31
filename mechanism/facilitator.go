package mechanism

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/bankofai/x402-go/metrics"
	"github.com/bankofai/x402-go/settlement"
	"go.uber.org/zap"
)

// DefaultRecordGrace is how long a settlement record outlives its authorization.
const DefaultRecordGrace = time.Hour

// FeeQuoteTTL is how long a fee quote stays valid.
const FeeQuoteTTL = 300 * time.Second

// FacilitatorMechanism verifies payloads against chain state and settles them.
type FacilitatorMechanism struct {
	variant variant
	adapter chain.Adapter
	signer  x402.FacilitatorSigner

	tokens    *x402.TokenRegistry
	allowList bool
	claims    *settlement.ClaimTable
	store     settlement.Store
	policy    settlement.Policy
	timeout   time.Duration
	grace     time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	metrics   metrics.Recorder

	feeTo   string
	baseFee map[string]*big.Int
}

// FacilitatorOption configures a FacilitatorMechanism.
type FacilitatorOption func(*FacilitatorMechanism)

// WithTokens sets the token registry used for domains and fee lookup. With
// allowList set, assets outside the registry are rejected.
func WithTokens(tokens *x402.TokenRegistry, allowList bool) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		m.tokens = tokens
		m.allowList = allowList && tokens != nil
	}
}

// WithClaims shares a claim table between mechanisms. Mechanisms settling the
// same network should share one.
func WithClaims(claims *settlement.ClaimTable) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		if claims != nil {
			m.claims = claims
		}
	}
}

// WithStore sets where settlement outcomes are remembered.
func WithStore(store settlement.Store) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		if store != nil {
			m.store = store
		}
	}
}

// WithClaimPolicy sets what a concurrent settle of the same authorization does.
func WithClaimPolicy(p settlement.Policy) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		m.policy = p
	}
}

// WithSettleTimeout bounds the wait for each transaction's confirmation.
func WithSettleTimeout(d time.Duration) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRecordGrace sets how long records are kept past validBefore.
func WithRecordGrace(d time.Duration) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		m.grace = d
	}
}

// WithFacilitatorClock overrides the time source.
func WithFacilitatorClock(clock func() time.Time) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		m.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithFee sets the fee receiver and the flat base fee per token symbol quoted
// for exact_permit. feeTo defaults to the signer's address.
func WithFee(feeTo string, baseFee map[string]*big.Int) FacilitatorOption {
	return func(m *FacilitatorMechanism) {
		m.feeTo = feeTo
		m.baseFee = make(map[string]*big.Int, len(baseFee))
		for symbol, fee := range baseFee {
			m.baseFee[strings.ToUpper(symbol)] = new(big.Int).Set(fee)
		}
	}
}

// NewFacilitatorMechanism creates a facilitator mechanism for scheme on adapter.
func NewFacilitatorMechanism(scheme x402.Scheme, adapter chain.Adapter, signer x402.FacilitatorSigner, opts ...FacilitatorOption) (*FacilitatorMechanism, error) {
	v, err := newVariant(scheme)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, x402.Errorf(x402.ErrCodeSignerUnavailable, "facilitator signer is required")
	}
	m := &FacilitatorMechanism{
		variant: v,
		adapter: adapter,
		signer:  signer,
		claims:  settlement.NewClaimTable(),
		store:   settlement.NewMemoryStore(),
		policy:  settlement.PolicyWait,
		timeout: x402.DefaultTimeouts.SettleTimeout,
		grace:   DefaultRecordGrace,
		clock:   time.Now,
		logger:  zap.NewNop(),
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.feeTo == "" {
		m.feeTo = signer.Address()
	}
	m.logger = m.logger.With(zap.String("scheme", string(v.scheme())))
	return m, nil
}

// Scheme returns the mechanism's scheme.
func (m *FacilitatorMechanism) Scheme() x402.Scheme {
	return m.variant.scheme()
}

// Adapter returns the mechanism's chain adapter.
func (m *FacilitatorMechanism) Adapter() chain.Adapter {
	return m.adapter
}

// Address returns the facilitator account that submits settlements.
func (m *FacilitatorMechanism) Address() string {
	return m.signer.Address()
}

// Extra returns the requirement extras clients need to pay through this
// facilitator: the permit spender and the fee.
func (m *FacilitatorMechanism) Extra(network, asset string) *x402.RequirementsExtra {
	if m.Scheme() != x402.SchemeExactPermit {
		return nil
	}
	extra := &x402.RequirementsExtra{Spender: m.signer.Address()}
	if fee := m.baseFeeFor(network, asset); fee != nil && fee.Sign() > 0 {
		extra.Fee = &x402.FeeInfo{FeeTo: m.feeTo, FeeAmount: fee.String(), Caller: m.signer.Address()}
	}
	return extra
}

// FeeQuote returns the fee for settling req. Only exact_permit charges a fee.
func (m *FacilitatorMechanism) FeeQuote(req x402.PaymentRequirements) (*x402.FeeQuoteResponse, error) {
	if req.Scheme != m.Scheme() {
		return nil, x402.Errorf(x402.ErrCodeUnsupportedScheme, "mechanism handles %s, not %s", m.Scheme(), req.Scheme)
	}
	if m.allowList && !m.tokens.Allowed(req.Network, req.Asset) {
		return nil, x402.Errorf(x402.ErrCodeTokenNotAllowed, "asset %s is not allowed on %s", req.Asset, req.Network)
	}
	fee := new(big.Int)
	if m.Scheme() == x402.SchemeExactPermit {
		if f := m.baseFeeFor(req.Network, req.Asset); f != nil {
			fee = f
		}
	}
	return &x402.FeeQuoteResponse{
		Fee: x402.FeeInfo{
			FeeTo:     m.feeTo,
			FeeAmount: fee.String(),
			Caller:    m.signer.Address(),
		},
		Scheme:    req.Scheme,
		Network:   req.Network,
		Asset:     req.Asset,
		ExpiresAt: m.clock().Add(FeeQuoteTTL).Unix(),
	}, nil
}

func (m *FacilitatorMechanism) baseFeeFor(network, asset string) *big.Int {
	if m.tokens == nil || len(m.baseFee) == 0 {
		return nil
	}
	t, ok := m.tokens.Lookup(network, asset)
	if !ok {
		return nil
	}
	fee, ok := m.baseFee[strings.ToUpper(t.Symbol)]
	if !ok {
		return nil
	}
	return new(big.Int).Set(fee)
}

// Verify runs the server checks followed by signature, allow-list, balance and
// nonce checks. Rejections are reported in the response; the error is set only
// when chain state could not be read.
func (m *FacilitatorMechanism) Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	start := time.Now()
	resp, err := m.verify(ctx, &payload, &req)

	result := "valid"
	switch {
	case err != nil:
		result = string(x402.ErrCodeRPCUnavailable)
	case !resp.IsValid:
		result = string(resp.InvalidReason)
	}
	labels := metrics.Labels(string(m.Scheme()), req.Network, result)
	m.metrics.IncCounter(metrics.VerifyTotal, labels)
	m.metrics.ObserveLatency(metrics.VerifySeconds, time.Since(start), labels)
	return resp, err
}

func (m *FacilitatorMechanism) verify(ctx context.Context, p *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	payer := p.Payer()
	log := m.logger.With(zap.String("network", req.Network), zap.String("payer", payer))

	if err := checkPayload(m.variant, m.adapter, m.clock(), p, req); err != nil {
		log.Info("payment rejected", zap.Error(err))
		return invalid(err, payer), nil
	}

	if p.Scheme == x402.SchemeExactPermit && !sameAddress(m.adapter, p.Payload.Permit.Spender, m.signer.Address()) {
		err := x402.Errorf(x402.ErrCodeMalformedPayload, "permit spender %s is not this facilitator", p.Payload.Permit.Spender)
		log.Info("payment rejected", zap.Error(err))
		return invalid(err, payer), nil
	}

	if err := m.checkSignature(p, req); err != nil {
		log.Info("payment rejected", zap.Error(err))
		return invalid(err, payer), nil
	}

	if m.allowList && !m.tokens.Allowed(req.Network, req.Asset) {
		err := x402.Errorf(x402.ErrCodeTokenNotAllowed, "asset %s is not allowed on %s", req.Asset, req.Network)
		log.Info("payment rejected", zap.Error(err))
		return invalid(err, payer), nil
	}

	if err := m.checkBalance(ctx, p, req.Asset); err != nil {
		if x402.ReasonOf(err) == x402.ErrCodeInsufficientFunds {
			log.Info("payment rejected", zap.Error(err))
			return invalid(err, payer), nil
		}
		return nil, rpcError(err)
	}

	used, err := m.variant.nonceUsed(ctx, m.signer, m.adapter, req.Asset, &p.Payload)
	if err != nil {
		if x402.ReasonOf(err) == x402.ErrCodeMalformedPayload {
			return invalid(err, payer), nil
		}
		return nil, rpcError(err)
	}
	if used {
		err := x402.Errorf(x402.ErrCodeNonceAlreadyUsed, "nonce %s was already used", p.Payload.Authorization.Nonce)
		log.Info("payment rejected", zap.Error(err))
		return invalid(err, payer), nil
	}

	return &x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

func (m *FacilitatorMechanism) checkSignature(p *x402.PaymentPayload, req *x402.PaymentRequirements) error {
	domain, err := domainFor(m.adapter, m.tokens, req)
	if err != nil {
		return err
	}
	typed, signer := m.variant.signed(&p.Payload)
	encoded, err := m.adapter.EncodeStruct(domain, typed)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeMalformedPayload, "encode typed data", err)
	}
	sig, err := decodeSignature(p.Payload.Signature)
	if err != nil {
		return err
	}
	recovered, err := chain.RecoverSigner(encoded, sig)
	if err != nil {
		return err
	}
	want, err := m.adapter.SigningAddress(signer)
	if err != nil {
		return err
	}
	if recovered != want {
		return x402.Errorf(x402.ErrCodeInvalidSignature, "signature is from %s, not %s", m.adapter.NativeAddress(recovered), signer)
	}
	return nil
}

func (m *FacilitatorMechanism) checkBalance(ctx context.Context, p *x402.PaymentPayload, asset string) error {
	owner, err := m.adapter.SigningAddress(p.Payload.Authorization.From)
	if err != nil {
		return err
	}
	data, err := chain.Pack(chain.MethodBalanceOf, owner)
	if err != nil {
		return err
	}
	out, err := m.signer.CallContract(ctx, asset, data)
	if err != nil {
		return err
	}
	balance, err := chain.UnpackBigInt(chain.MethodBalanceOf, out)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode balanceOf", err)
	}
	need := m.variant.requiredBalance(&p.Payload)
	if balance.Cmp(need) < 0 {
		return x402.Errorf(x402.ErrCodeInsufficientFunds, "balance %s is below %s", balance, need)
	}
	return nil
}

// rpcError tags chain read failures as rpc_unavailable.
func rpcError(err error) error {
	var pe *x402.PaymentError
	if errors.As(err, &pe) && pe.Code == x402.ErrCodeRPCUnavailable {
		return err
	}
	return x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "chain read failed", err)
}
