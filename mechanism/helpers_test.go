package mechanism

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/bankofai/x402-go/internal/chaintest"
	"github.com/bankofai/x402-go/settlement"
	"github.com/bankofai/x402-go/signers/evm"
	"github.com/bankofai/x402-go/signers/tron"
)

// Test keys (DO NOT use in production)
const (
	payerKey       = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	facilitatorKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

const (
	testPayTo = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	testFeeTo = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
	testAsset = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

type harness struct {
	t           *testing.T
	adapter     chain.Adapter
	payer       *evm.Signer
	facilitator *evm.Signer
	token       *chaintest.Token
	store       *settlement.MemoryStore
	claims      *settlement.ClaimTable
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	payer, err := evm.NewSigner(evm.WithPrivateKey(payerKey))
	if err != nil {
		t.Fatal(err)
	}
	fac, err := evm.NewSigner(evm.WithPrivateKey(facilitatorKey))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:           t,
		adapter:     chain.NewEVM(nil),
		payer:       payer,
		facilitator: fac,
		token:       chaintest.NewToken(fac, fac.Account()),
		store:       settlement.NewMemoryStore(),
		claims:      settlement.NewClaimTable(),
	}
	h.token.Fund(payer.Account(), 1_000_000)
	return h
}

func (h *harness) requirement(scheme x402.Scheme, amount string) x402.PaymentRequirements {
	req := x402.PaymentRequirements{
		Scheme:            scheme,
		Network:           x402.NetworkEthereum,
		Amount:            amount,
		Asset:             testAsset,
		PayTo:             testPayTo,
		Resource:          "https://api.example.com/data",
		MaxTimeoutSeconds: 60,
		Extra:             &x402.RequirementsExtra{Name: "USD Coin", Version: "2"},
	}
	if scheme == x402.SchemeExactPermit {
		req.Extra.Spender = h.facilitator.Address()
	}
	return req
}

func (h *harness) client(scheme x402.Scheme, opts ...ClientOption) *ClientMechanism {
	h.t.Helper()
	m, err := NewClientMechanism(scheme, h.adapter, h.payer, opts...)
	if err != nil {
		h.t.Fatal(err)
	}
	return m
}

func (h *harness) mechanism(scheme x402.Scheme, opts ...FacilitatorOption) *FacilitatorMechanism {
	h.t.Helper()
	opts = append([]FacilitatorOption{WithStore(h.store), WithClaims(h.claims)}, opts...)
	m, err := NewFacilitatorMechanism(scheme, h.adapter, h.token, opts...)
	if err != nil {
		h.t.Fatal(err)
	}
	return m
}

func (h *harness) pay(req x402.PaymentRequirements, opts ...ClientOption) x402.PaymentPayload {
	h.t.Helper()
	opts = append([]ClientOption{WithPermitNonceReader(ContractNonces(h.token, h.adapter))}, opts...)
	p, err := h.client(req.Scheme, opts...).CreatePayload(context.Background(), req)
	if err != nil {
		h.t.Fatalf("CreatePayload() error = %v", err)
	}
	return *p
}

// sign replaces the payload signature with the payer's signature over the
// payload as it is now.
func (h *harness) sign(p *x402.PaymentPayload, req x402.PaymentRequirements) {
	h.t.Helper()
	v, err := newVariant(req.Scheme)
	if err != nil {
		h.t.Fatal(err)
	}
	domain, err := domainFor(h.adapter, nil, &req)
	if err != nil {
		h.t.Fatal(err)
	}
	typed, _ := v.signed(&p.Payload)
	encoded, err := h.adapter.EncodeStruct(domain, typed)
	if err != nil {
		h.t.Fatal(err)
	}
	sig, err := h.payer.SignStructured(encoded)
	if err != nil {
		h.t.Fatal(err)
	}
	p.Payload.Signature = "0x" + hex.EncodeToString(sig)
}

func bigInt(s string) *big.Int {
	v, _ := x402.ParseBigInt(s)
	return v
}

type tronHarness struct {
	adapter     chain.Adapter
	tokens      *x402.TokenRegistry
	payer       *tron.Signer
	facilitator *tron.Signer
	token       *chaintest.Token
	client      *ClientMechanism
}

func newTronHarness(t *testing.T, tokens *x402.TokenRegistry) *tronHarness {
	t.Helper()
	payer, err := tron.NewSigner(tron.WithPrivateKey(payerKey))
	if err != nil {
		t.Fatal(err)
	}
	fac, err := tron.NewSigner(tron.WithPrivateKey(facilitatorKey))
	if err != nil {
		t.Fatal(err)
	}
	adapter := chain.NewTron(tokens)
	client, err := NewClientMechanism(x402.SchemeExact, adapter, payer, WithClientTokens(tokens))
	if err != nil {
		t.Fatal(err)
	}
	h := &tronHarness{
		adapter:     adapter,
		tokens:      tokens,
		payer:       payer,
		facilitator: fac,
		token:       chaintest.NewToken(fac, fac.Account()),
		client:      client,
	}
	h.token.Fund(payer.Account(), 10_000_000)
	return h
}
