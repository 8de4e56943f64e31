package mechanism

import (
	"context"
	"math/big"
	"testing"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
)

func TestClientSelect(t *testing.T) {
	h := newHarness(t)
	exact := h.client(x402.SchemeExact)
	permit := h.client(x402.SchemeExactPermit)
	tronReq := x402.PaymentRequirements{Scheme: x402.SchemeExact, Network: x402.NetworkTronNile, Amount: "1", Asset: "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", PayTo: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"}

	tests := []struct {
		name       string
		client     *Client
		accepts    []x402.PaymentRequirements
		wantScheme x402.Scheme
		wantAmount string
		wantErr    x402.ErrorCode
	}{
		{
			name:       "first payable in server order",
			client:     NewClient().Register(exact, 0),
			accepts:    []x402.PaymentRequirements{tronReq, h.requirement(x402.SchemeExact, "5"), h.requirement(x402.SchemeExact, "7")},
			wantScheme: x402.SchemeExact,
			wantAmount: "5",
		},
		{
			name:       "priority beats server order",
			client:     NewClient().Register(exact, 10).Register(permit, 1),
			accepts:    []x402.PaymentRequirements{h.requirement(x402.SchemeExact, "5"), h.requirement(x402.SchemeExactPermit, "6")},
			wantScheme: x402.SchemeExactPermit,
			wantAmount: "6",
		},
		{
			name:       "equal priority uses registration order",
			client:     NewClient().Register(exact, 1).Register(permit, 1),
			accepts:    []x402.PaymentRequirements{h.requirement(x402.SchemeExactPermit, "6"), h.requirement(x402.SchemeExact, "5")},
			wantScheme: x402.SchemeExact,
			wantAmount: "5",
		},
		{
			name:       "max amount skips expensive options",
			client:     NewClient(WithMaxAmount(testAsset, big.NewInt(6))).Register(exact, 0),
			accepts:    []x402.PaymentRequirements{h.requirement(x402.SchemeExact, "10"), h.requirement(x402.SchemeExact, "6")},
			wantScheme: x402.SchemeExact,
			wantAmount: "6",
		},
		{
			name:    "wildcard limit",
			client:  NewClient(WithMaxAmount("", big.NewInt(1))).Register(exact, 0),
			accepts: []x402.PaymentRequirements{h.requirement(x402.SchemeExact, "2")},
			wantErr: x402.ErrCodeNoMatchingRequirement,
		},
		{
			name:    "no mechanism for network",
			client:  NewClient().Register(exact, 0),
			accepts: []x402.PaymentRequirements{tronReq},
			wantErr: x402.ErrCodeNoMatchingRequirement,
		},
		{
			name:    "empty registry",
			client:  NewClient(),
			accepts: []x402.PaymentRequirements{h.requirement(x402.SchemeExact, "1")},
			wantErr: x402.ErrCodeNoMatchingRequirement,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, m, err := tt.client.Select(tt.accepts)
			if tt.wantErr != "" {
				if x402.ReasonOf(err) != tt.wantErr {
					t.Fatalf("Select() error = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if req.Scheme != tt.wantScheme || req.Amount != tt.wantAmount || m.Scheme() != tt.wantScheme {
				t.Errorf("Select() = %s %s via %s", req.Scheme, req.Amount, m.Scheme())
			}
		})
	}
}

func TestClientCreatePayment(t *testing.T) {
	h := newHarness(t)
	client := NewClient().
		Register(h.client(x402.SchemeExact), 0).
		Register(h.client(x402.SchemeUpto), 1)

	accepts := []x402.PaymentRequirements{h.requirement(x402.SchemeUpto, "100"), h.requirement(x402.SchemeExact, "40")}
	payload, req, err := client.CreatePayment(context.Background(), accepts)
	if err != nil {
		t.Fatal(err)
	}
	if req.Scheme != x402.SchemeExact || payload.Scheme != x402.SchemeExact || payload.Payload.Authorization.Value != "40" {
		t.Errorf("CreatePayment() = %+v for %+v", payload, req)
	}

	m, err := NewServerMechanism(req.Scheme, chain.NewEVM(nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Validate(*payload, *req); err != nil {
		t.Errorf("server rejected the selected payment: %v", err)
	}

	if got := len(client.Mechanisms()); got != 2 {
		t.Errorf("Mechanisms() = %d", got)
	}
}
