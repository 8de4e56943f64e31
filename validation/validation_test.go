package validation

import (
	"testing"

	"github.com/bankofai/x402-go"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{name: "valid positive amount", amount: "10000"},
		{name: "valid large amount", amount: "999999999999999999999"},
		{name: "empty amount", amount: "", wantErr: true},
		{name: "zero amount", amount: "0", wantErr: true},
		{name: "negative amount", amount: "-100", wantErr: true},
		{name: "invalid format - letters", amount: "abc", wantErr: true},
		{name: "invalid format - decimal", amount: "100.50", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.amount)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAmount() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		network string
		wantErr bool
	}{
		{name: "evm", address: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", network: x402.NetworkEthereum},
		{name: "evm lowercase", address: "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc", network: x402.NetworkBSC},
		{name: "tron", address: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", network: x402.NetworkTronMainnet},
		{name: "tron bad checksum", address: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u", network: x402.NetworkTronMainnet, wantErr: true},
		{name: "evm on tron", address: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", network: x402.NetworkTronNile, wantErr: true},
		{name: "tron on evm", address: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", network: x402.NetworkEthereum, wantErr: true},
		{name: "short evm", address: "0x1234", network: x402.NetworkEthereum, wantErr: true},
		{name: "empty", address: "", network: x402.NetworkEthereum, wantErr: true},
		{name: "unknown network", address: "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", network: "solana:mainnet", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address, tt.network)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func validRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkEthereum,
		Amount:            "1000",
		Asset:             "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		PayTo:             "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		MaxTimeoutSeconds: 60,
	}
}

func TestValidateRequirements(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*x402.PaymentRequirements)
		wantField string
	}{
		{name: "valid"},
		{name: "missing scheme", mutate: func(r *x402.PaymentRequirements) { r.Scheme = "" }, wantField: "scheme"},
		{name: "unknown scheme", mutate: func(r *x402.PaymentRequirements) { r.Scheme = "stream" }, wantField: "scheme"},
		{name: "decimal amount", mutate: func(r *x402.PaymentRequirements) { r.Amount = "1.5" }, wantField: "amount"},
		{name: "zero amount", mutate: func(r *x402.PaymentRequirements) { r.Amount = "0" }, wantField: "amount"},
		{name: "unknown network", mutate: func(r *x402.PaymentRequirements) { r.Network = "solana:mainnet" }, wantField: "network"},
		{name: "bad payTo", mutate: func(r *x402.PaymentRequirements) { r.PayTo = "0x12" }, wantField: "payTo"},
		{name: "negative timeout", mutate: func(r *x402.PaymentRequirements) { r.MaxTimeoutSeconds = -1 }, wantField: "maxTimeoutSeconds"},
		{name: "permit without spender", mutate: func(r *x402.PaymentRequirements) { r.Scheme = x402.SchemeExactPermit }, wantField: "extra.spender"},
		{name: "fee without amount", mutate: func(r *x402.PaymentRequirements) {
			r.Extra = &x402.RequirementsExtra{Fee: &x402.FeeInfo{FeeTo: r.PayTo}}
		}, wantField: "extra.fee.feeAmount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequirements()
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			err := ValidateRequirements(req)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateRequirements() error = %v", err)
				}
				return
			}
			pe, ok := err.(*x402.PaymentError)
			if !ok {
				t.Fatalf("ValidateRequirements() error = %v, want *PaymentError", err)
			}
			if pe.Code != x402.ErrCodeInvalidRequirements || pe.Details["field"] != tt.wantField {
				t.Errorf("got %s field %v, want field %s", pe.Code, pe.Details["field"], tt.wantField)
			}
		})
	}
}

func validPayload() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkEthereum,
		Payload: x402.SchemePayload{
			Signature: "0x" + "ab",
			Authorization: &x402.Authorization{
				From:        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
				To:          "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
				Value:       "1000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x" + "00000000000000000000000000000000000000000000000000000000000000ff",
			},
		},
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*x402.PaymentPayload)
		want   x402.ErrorCode
	}{
		{name: "valid"},
		{name: "version", mutate: func(p *x402.PaymentPayload) { p.X402Version = 2 }, want: x402.ErrCodeMalformedPayload},
		{name: "missing authorization", mutate: func(p *x402.PaymentPayload) { p.Payload.Authorization = nil }, want: x402.ErrCodeMalformedPayload},
		{name: "missing signature", mutate: func(p *x402.PaymentPayload) { p.Payload.Signature = "" }, want: x402.ErrCodeMalformedPayload},
		{name: "short nonce", mutate: func(p *x402.PaymentPayload) { p.Payload.Authorization.Nonce = "0x01" }, want: x402.ErrCodeMalformedPayload},
		{name: "negative value", mutate: func(p *x402.PaymentPayload) { p.Payload.Authorization.Value = "-1" }, want: x402.ErrCodeMalformedPayload},
		{name: "unknown scheme", mutate: func(p *x402.PaymentPayload) { p.Scheme = "stream" }, want: x402.ErrCodeUnsupportedScheme},
		{name: "bad from", mutate: func(p *x402.PaymentPayload) { p.Payload.Authorization.From = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t" }, want: x402.ErrCodeInvalidAddressFormat},
		{name: "permit on exact", mutate: func(p *x402.PaymentPayload) {
			p.Payload.Permit = &x402.Permit{Owner: "a", Spender: "b", Value: "1", Nonce: "0", Deadline: "1"}
		}, want: x402.ErrCodeMalformedPayload},
		{name: "permit missing", mutate: func(p *x402.PaymentPayload) { p.Scheme = x402.SchemeExactPermit }, want: x402.ErrCodeMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			if got := x402.ReasonOf(ValidatePayload(p)); got != tt.want {
				t.Errorf("ValidatePayload() = %q, want %q", got, tt.want)
			}
		})
	}
}
