package chi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/bankofai/x402-go/encoding"
	httpx402 "github.com/bankofai/x402-go/http"
	"github.com/bankofai/x402-go/mechanism"
	"github.com/bankofai/x402-go/signers/evm"
)

var requirement = x402.PaymentRequirements{
	Scheme:            x402.SchemeExact,
	Network:           x402.NetworkSepolia,
	Amount:            "10000",
	Asset:             "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
	PayTo:             "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
	MaxTimeoutSeconds: 300,
	Extra:             &x402.RequirementsExtra{Name: "USDC", Version: "2"},
}

// stubFacilitator accepts every payment.
type stubFacilitator struct {
	settles atomic.Int32
}

func (s *stubFacilitator) Verify(_ context.Context, p x402.PaymentPayload, _ x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return &x402.VerifyResponse{IsValid: true, Payer: p.Payer()}, nil
}

func (s *stubFacilitator) Settle(_ context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.SettleResponse, error) {
	s.settles.Add(1)
	return &x402.SettleResponse{Success: true, Transaction: "0xabc", Network: r.Network, Payer: p.Payer(), Amount: r.Amount}, nil
}

func (s *stubFacilitator) Supported(context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

func newRouter(config *httpx402.Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Group(func(r chi.Router) {
		r.Use(NewChiX402Middleware(config))
		r.Get("/premium", func(w http.ResponseWriter, r *http.Request) {
			if p, ok := httpx402.PaymentFromContext(r.Context()); ok {
				_, _ = w.Write([]byte("payer " + p.Verification.Payer))
			}
		})
		r.Options("/premium", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	r.Get("/free", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("free"))
	})
	return r
}

func signedHeader(t *testing.T) (string, string) {
	t.Helper()
	payer, err := evm.NewSigner(evm.WithPrivateKey("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := mechanism.NewClientMechanism(x402.SchemeExact, chain.NewEVM(nil), payer)
	if err != nil {
		t.Fatal(err)
	}
	p, err := m.CreatePayload(t.Context(), requirement)
	if err != nil {
		t.Fatal(err)
	}
	h, err := encoding.EncodePayment(*p)
	if err != nil {
		t.Fatal(err)
	}
	return h, payer.Address()
}

func TestChiMiddleware(t *testing.T) {
	fac := &stubFacilitator{}
	router := newRouter(&httpx402.Config{Facilitator: fac, PaymentRequirements: []x402.PaymentRequirements{requirement}})
	header, payer := signedHeader(t)

	tests := []struct {
		name       string
		method     string
		path       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "unpaid", method: http.MethodGet, path: "/premium", wantStatus: http.StatusPaymentRequired},
		{name: "preflight", method: http.MethodOptions, path: "/premium", wantStatus: http.StatusNoContent},
		{name: "ungated route", method: http.MethodGet, path: "/free", wantStatus: http.StatusOK, wantBody: "free"},
		{name: "paid", method: http.MethodGet, path: "/premium", header: header, wantStatus: http.StatusOK, wantBody: "payer " + payer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(httpx402.PaymentHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
	if n := fac.settles.Load(); n != 1 {
		t.Errorf("settles = %d, want 1", n)
	}
}

func TestChiMiddlewareMisconfigured(t *testing.T) {
	router := newRouter(&httpx402.Config{Facilitator: &stubFacilitator{}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/premium", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
}
