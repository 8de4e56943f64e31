package http

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/bankofai/x402-go/facilitator"
	"github.com/bankofai/x402-go/internal/chaintest"
	"github.com/bankofai/x402-go/mechanism"
	"github.com/bankofai/x402-go/signers/evm"
)

// Test keys (DO NOT use in production)
const (
	payerKey       = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	facilitatorKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testPayTo      = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	testAsset      = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	otherAddress   = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
)

type fixture struct {
	fac    *facilitator.Facilitator
	token  *chaintest.Token
	payer  *evm.Signer
	server *httptest.Server
}

// newFixture starts an in-process facilitator on eip155:1 behind the chi handler.
func newFixture(t *testing.T, opts ...HandlerOption) *fixture {
	t.Helper()
	payer, err := evm.NewSigner(evm.WithPrivateKey(payerKey))
	if err != nil {
		t.Fatal(err)
	}
	signer, err := evm.NewSigner(evm.WithPrivateKey(facilitatorKey))
	if err != nil {
		t.Fatal(err)
	}
	token := chaintest.NewToken(signer, signer.Account())
	token.Fund(payer.Account(), 1_000_000)

	fac := facilitator.New()
	if err := fac.RegisterNetwork(x402.NetworkEthereum, nil, token); err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(NewFacilitatorHandler(fac, opts...))
	t.Cleanup(server.Close)
	return &fixture{fac: fac, token: token, payer: payer, server: server}
}

func (fx *fixture) requirement(scheme x402.Scheme, amount string) x402.PaymentRequirements {
	req := x402.PaymentRequirements{
		Scheme:            scheme,
		Network:           x402.NetworkEthereum,
		Amount:            amount,
		Asset:             testAsset,
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
		Extra:             &x402.RequirementsExtra{Name: "USD Coin", Version: "2"},
	}
	if extra := fx.fac.Extra(req.Network, scheme, testAsset); extra != nil {
		req.Extra.Spender = extra.Spender
	}
	return req
}

func (fx *fixture) clientMechanism(t *testing.T, scheme x402.Scheme) *mechanism.ClientMechanism {
	t.Helper()
	m, err := mechanism.NewClientMechanism(scheme, chain.NewEVM(nil), fx.payer,
		mechanism.WithPermitNonceReader(mechanism.ContractNonces(fx.token, chain.NewEVM(nil))))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (fx *fixture) pay(t *testing.T, req x402.PaymentRequirements) x402.PaymentPayload {
	t.Helper()
	p, err := fx.clientMechanism(t, req.Scheme).CreatePayload(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return *p
}

// countingFacilitator records calls before delegating.
type countingFacilitator struct {
	facilitator.Interface
	verifies atomic.Int32
	settles  atomic.Int32
}

func (c *countingFacilitator) Verify(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	c.verifies.Add(1)
	return c.Interface.Verify(ctx, p, r)
}

func (c *countingFacilitator) Settle(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.SettleResponse, error) {
	c.settles.Add(1)
	return c.Interface.Settle(ctx, p, r)
}

// downFacilitator fails every call as unreachable.
type downFacilitator struct{}

func (downFacilitator) Verify(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return nil, x402.ErrFacilitatorUnavailable
}

func (downFacilitator) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return nil, x402.ErrFacilitatorUnavailable
}

func (downFacilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	return nil, x402.ErrFacilitatorUnavailable
}
