// Package facilitator dispatches verify and settle requests to the mechanism
// registered for each (network, scheme) pair.
package facilitator

import (
	"context"
	"sort"
	"sync"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/bankofai/x402-go/mechanism"
	"github.com/bankofai/x402-go/settlement"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds VerifyBatch when no limit is given.
const DefaultBatchConcurrency = 8

// Facilitator holds one FacilitatorMechanism per (network, scheme).
type Facilitator struct {
	mu         sync.RWMutex
	mechanisms map[kind]*mechanism.FacilitatorMechanism
	logger     *zap.Logger
}

type kind struct {
	network string
	scheme  x402.Scheme
}

// Option configures a Facilitator.
type Option func(*Facilitator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Facilitator) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New returns an empty Facilitator.
func New(opts ...Option) *Facilitator {
	f := &Facilitator{
		mechanisms: make(map[kind]*mechanism.FacilitatorMechanism),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register serves network with m. A later registration for the same pair
// replaces the earlier one.
func (f *Facilitator) Register(network string, m *mechanism.FacilitatorMechanism) error {
	if !m.Adapter().ValidNetwork(network) {
		return x402.Errorf(x402.ErrCodeUnsupportedScheme, "%s mechanism cannot serve %s", m.Adapter().Type(), network)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mechanisms[kind{network, m.Scheme()}] = m
	f.logger.Info("registered mechanism", zap.String("network", network), zap.String("scheme", string(m.Scheme())))
	return nil
}

// RegisterNetwork registers every scheme on network for signer. The schemes
// share one claim table so concurrent settles of one authorization through
// different schemes still serialize.
func (f *Facilitator) RegisterNetwork(network string, tokens *x402.TokenRegistry, signer x402.FacilitatorSigner, opts ...mechanism.FacilitatorOption) error {
	adapter, err := chain.ForNetwork(network, tokens)
	if err != nil {
		return err
	}
	opts = append([]mechanism.FacilitatorOption{
		mechanism.WithClaims(settlement.NewClaimTable()),
		mechanism.WithLogger(f.logger),
	}, opts...)
	for _, scheme := range x402.Schemes {
		m, err := mechanism.NewFacilitatorMechanism(scheme, adapter, signer, opts...)
		if err != nil {
			return err
		}
		if err := f.Register(network, m); err != nil {
			return err
		}
	}
	return nil
}

// Mechanism returns the mechanism for (network, scheme).
func (f *Facilitator) Mechanism(network string, scheme x402.Scheme) (*mechanism.FacilitatorMechanism, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.mechanisms[kind{network, scheme}]
	if !ok {
		return nil, x402.Errorf(x402.ErrCodeUnsupportedScheme, "scheme %s is not supported on %s", scheme, network)
	}
	return m, nil
}

// Verify implements Interface.
func (f *Facilitator) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	m, err := f.Mechanism(requirement.Network, requirement.Scheme)
	if err != nil {
		return &x402.VerifyResponse{InvalidReason: x402.ReasonOf(err), Message: err.Error(), Payer: payment.Payer()}, nil
	}
	return m.Verify(ctx, payment, requirement)
}

// Settle implements Interface.
func (f *Facilitator) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirements) (*x402.SettleResponse, error) {
	m, err := f.Mechanism(requirement.Network, requirement.Scheme)
	if err != nil {
		return &x402.SettleResponse{Network: requirement.Network, Payer: payment.Payer(), ErrorReason: x402.ReasonOf(err)}, nil
	}
	return m.Settle(ctx, payment, requirement)
}

// Supported implements Interface. Kinds are sorted by network then scheme.
func (f *Facilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	f.mu.RLock()
	kinds := make([]x402.SupportedKind, 0, len(f.mechanisms))
	for k, m := range f.mechanisms {
		sk := x402.SupportedKind{X402Version: x402.X402Version, Scheme: k.scheme, Network: k.network}
		if m.Scheme() == x402.SchemeExactPermit {
			sk.Extra = &x402.RequirementsExtra{Spender: m.Address()}
		}
		kinds = append(kinds, sk)
	}
	f.mu.RUnlock()

	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})
	return &x402.SupportedResponse{Kinds: kinds}, nil
}

// FeeQuote implements FeeQuoter.
func (f *Facilitator) FeeQuote(_ context.Context, requirement x402.PaymentRequirements) (*x402.FeeQuoteResponse, error) {
	m, err := f.Mechanism(requirement.Network, requirement.Scheme)
	if err != nil {
		return nil, err
	}
	return m.FeeQuote(requirement)
}

// Extra returns the requirement extras a server should advertise for paying
// through this facilitator.
func (f *Facilitator) Extra(network string, scheme x402.Scheme, asset string) *x402.RequirementsExtra {
	m, err := f.Mechanism(network, scheme)
	if err != nil {
		return nil
	}
	return m.Extra(network, asset)
}

// BatchItem is one payload to verify.
type BatchItem struct {
	Payload      x402.PaymentPayload
	Requirements x402.PaymentRequirements
}

// BatchResult is the outcome for the BatchItem at the same index.
type BatchResult struct {
	Response *x402.VerifyResponse
	Err      error
}

// VerifyBatch verifies items in parallel with at most limit in flight. A
// failure of one item does not cancel the others.
func (f *Facilitator) VerifyBatch(ctx context.Context, items []BatchItem, limit int) []BatchResult {
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	results := make([]BatchResult, len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = BatchResult{Err: err}
				return nil
			}
			resp, err := f.Verify(ctx, item.Payload, item.Requirements)
			results[i] = BatchResult{Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
