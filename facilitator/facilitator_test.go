package facilitator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
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
)

type fixture struct {
	f     *Facilitator
	token *chaintest.Token
	payer *evm.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	payer, err := evm.NewSigner(evm.WithPrivateKey(payerKey))
	if err != nil {
		t.Fatal(err)
	}
	fac, err := evm.NewSigner(evm.WithPrivateKey(facilitatorKey))
	if err != nil {
		t.Fatal(err)
	}
	token := chaintest.NewToken(fac, fac.Account())
	token.Fund(payer.Account(), 1_000_000)

	f := New()
	if err := f.RegisterNetwork(x402.NetworkEthereum, nil, token); err != nil {
		t.Fatal(err)
	}
	return &fixture{f: f, token: token, payer: payer}
}

func (fx *fixture) pay(t *testing.T, scheme x402.Scheme, amount string) (x402.PaymentPayload, x402.PaymentRequirements) {
	t.Helper()
	req := x402.PaymentRequirements{
		Scheme:            scheme,
		Network:           x402.NetworkEthereum,
		Amount:            amount,
		Asset:             testAsset,
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
		Extra:             &x402.RequirementsExtra{Name: "USD Coin", Version: "2"},
	}
	if extra := fx.f.Extra(req.Network, scheme, testAsset); extra != nil {
		req.Extra.Spender = extra.Spender
	}
	m, err := mechanism.NewClientMechanism(scheme, chain.NewEVM(nil), fx.payer,
		mechanism.WithPermitNonceReader(mechanism.ContractNonces(fx.token, chain.NewEVM(nil))))
	if err != nil {
		t.Fatal(err)
	}
	p, err := m.CreatePayload(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return *p, req
}

func TestFacilitatorDispatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, scheme := range x402.Schemes {
		t.Run(string(scheme), func(t *testing.T) {
			p, req := fx.pay(t, scheme, "100")
			vr, err := fx.f.Verify(ctx, p, req)
			if err != nil || !vr.IsValid {
				t.Fatalf("Verify() = %+v, %v", vr, err)
			}
			sr, err := fx.f.Settle(ctx, p, req)
			if err != nil || !sr.Success {
				t.Fatalf("Settle() = %+v, %v", sr, err)
			}
		})
	}
}

func TestFacilitatorUnknownKind(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p, req := fx.pay(t, x402.SchemeExact, "100")
	req.Network = x402.NetworkBSC
	p.Network = x402.NetworkBSC

	vr, err := fx.f.Verify(ctx, p, req)
	if err != nil || vr.IsValid || vr.InvalidReason != x402.ErrCodeUnsupportedScheme {
		t.Errorf("Verify() = %+v, %v", vr, err)
	}
	sr, err := fx.f.Settle(ctx, p, req)
	if err != nil || sr.Success || sr.ErrorReason != x402.ErrCodeUnsupportedScheme {
		t.Errorf("Settle() = %+v, %v", sr, err)
	}
	if len(fx.token.Submissions()) != 0 {
		t.Error("unknown kind reached the chain")
	}
	if _, err := fx.f.FeeQuote(ctx, req); x402.ReasonOf(err) != x402.ErrCodeUnsupportedScheme {
		t.Errorf("FeeQuote() error = %v", err)
	}
}

func TestFacilitatorRegisterWrongChain(t *testing.T) {
	fx := newFixture(t)
	m, err := mechanism.NewFacilitatorMechanism(x402.SchemeExact, chain.NewTron(nil), fx.token)
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.f.Register(x402.NetworkEthereum, m); x402.ReasonOf(err) != x402.ErrCodeUnsupportedScheme {
		t.Errorf("Register() error = %v", err)
	}
}

func TestFacilitatorSupported(t *testing.T) {
	fx := newFixture(t)
	resp, err := fx.f.Supported(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Kinds) != len(x402.Schemes) {
		t.Fatalf("Kinds = %+v", resp.Kinds)
	}
	for i, k := range resp.Kinds {
		if k.Network != x402.NetworkEthereum || k.X402Version != x402.X402Version {
			t.Errorf("kind %d = %+v", i, k)
		}
		if i > 0 && resp.Kinds[i-1].Scheme >= k.Scheme {
			t.Errorf("kinds not sorted: %s before %s", resp.Kinds[i-1].Scheme, k.Scheme)
		}
		if (k.Scheme == x402.SchemeExactPermit) != (k.Extra != nil) {
			t.Errorf("kind %s extra = %+v", k.Scheme, k.Extra)
		}
	}
}

func TestVerifyBatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var items []BatchItem
	for i := 0; i < 10; i++ {
		p, req := fx.pay(t, x402.SchemeExact, "100")
		if i%3 == 0 {
			p.Payload.Authorization.To = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
		}
		items = append(items, BatchItem{Payload: p, Requirements: req})
	}

	results := fx.f.VerifyBatch(ctx, items, 3)
	if len(results) != len(items) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("item %d error = %v", i, r.Err)
		}
		wantValid := i%3 != 0
		if r.Response.IsValid != wantValid {
			t.Errorf("item %d = %+v, want valid %v", i, r.Response, wantValid)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for i, r := range fx.f.VerifyBatch(cancelled, items[:2], 0) {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("item %d error = %v, want context.Canceled", i, r.Err)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	secret := []byte(strings.Repeat("s", 32))
	auth, err := NewTokenAuth(secret, "x402-facilitator")
	if err != nil {
		t.Fatal(err)
	}

	token, err := auth.Issue("merchant-1")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := auth.Check(token)
	if err != nil || sub != "merchant-1" {
		t.Fatalf("Check() = %q, %v", sub, err)
	}

	other, _ := NewTokenAuth([]byte(strings.Repeat("o", 32)), "x402-facilitator")
	foreign, _ := other.Issue("merchant-1")
	wrongIssuer, _ := NewTokenAuth(secret, "someone-else")
	misissued, _ := wrongIssuer.Issue("merchant-1")
	expired := &TokenAuth{secret: secret, issuer: "x402-facilitator", ttl: time.Minute, clock: func() time.Time { return time.Now().Add(-time.Hour) }}
	old, _ := expired.Issue("merchant-1")

	for name, tok := range map[string]string{
		"garbage":      "not.a.jwt",
		"foreign key":  foreign,
		"wrong issuer": misissued,
		"expired":      old,
	} {
		if _, err := auth.Check(tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: Check() error = %v, want ErrUnauthorized", name, err)
		}
	}

	if _, err := NewTokenAuth([]byte("short"), "x"); err == nil {
		t.Error("short secret accepted")
	}
}
