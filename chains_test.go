package x402

import (
	"errors"
	"testing"
)

func TestChainConfigConstants(t *testing.T) {
	for _, c := range KnownChains {
		kind, err := ValidateNetwork(c.NetworkID)
		if err != nil || kind != c.Type {
			t.Errorf("ValidateNetwork(%s) = %v, %v", c.NetworkID, kind, err)
		}
		id, err := ChainIDOf(c.NetworkID)
		if err != nil || id.Int64() != c.ChainID {
			t.Errorf("ChainIDOf(%s) = %v, %v, want %d", c.NetworkID, id, err, c.ChainID)
		}
	}
	if TronNile.ChainID != 0xcd8690dc || TronMainnet.ChainID != 0x2b6653dc {
		t.Errorf("tron chain ids = %d, %d", TronNile.ChainID, TronMainnet.ChainID)
	}
}

func TestValidateNetwork(t *testing.T) {
	tests := []struct {
		network string
		want    NetworkType
		wantErr bool
	}{
		{network: "eip155:8453", want: NetworkTypeEVM},
		{network: NetworkBSCTestnet, want: NetworkTypeEVM},
		{network: NetworkTronShasta, want: NetworkTypeTRON},
		{network: "tron:testnet", wantErr: true},
		{network: "eip155:0", wantErr: true},
		{network: "eip155:abc", wantErr: true},
		{network: "base-sepolia", wantErr: true},
		{network: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.network, func(t *testing.T) {
			got, err := ValidateNetwork(tt.network)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidNetwork) {
					t.Errorf("error = %v, want ErrInvalidNetwork", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ValidateNetwork() = %v, %v", got, err)
			}
		})
	}
	if NetworkTypeTRON.String() != "tron" || NetworkTypeUnknown.String() != "unknown" {
		t.Error("NetworkType.String()")
	}
}

func TestNewPaymentRequirement(t *testing.T) {
	req, err := NewPaymentRequirement(RequirementConfig{
		Network: NetworkTronNile,
		Price:   "1.25 usdt",
		PayTo:   "TPayToAddress",
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Scheme != SchemeExact || req.Amount != "1250000" || req.Asset != "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf" {
		t.Errorf("requirement = %+v", req)
	}
	if req.MaxTimeoutSeconds != DefaultMaxTimeoutSeconds || req.MimeType != "application/json" {
		t.Errorf("defaults = %+v", req)
	}
	if req.Extra == nil || req.Extra.Name != "Tether USD" || req.Extra.Version != "1" {
		t.Errorf("extra = %+v", req.Extra)
	}

	permit, err := NewPaymentRequirement(RequirementConfig{
		Network: NetworkBSCTestnet, Price: "0.5 USDC", PayTo: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
		Scheme: SchemeExactPermit, MaxTimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}
	if permit.Amount != "500000000000000000" || permit.MaxTimeoutSeconds != 60 {
		t.Errorf("permit requirement = %+v", permit)
	}
}

func TestNewPaymentRequirementErrors(t *testing.T) {
	tests := []struct {
		name   string
		config RequirementConfig
		is     error
	}{
		{name: "no payTo", config: RequirementConfig{Network: NetworkTronNile, Price: "1 USDT"}},
		{name: "bad network", config: RequirementConfig{Network: "tron:devnet", Price: "1 USDT", PayTo: "T1"}, is: ErrInvalidNetwork},
		{name: "unknown token", config: RequirementConfig{Network: NetworkTronNile, Price: "1 DAI", PayTo: "T1"}, is: ErrInvalidToken},
		{name: "bad price", config: RequirementConfig{Network: NetworkTronNile, Price: "1USDT", PayTo: "T1"}, is: ErrInvalidAmount},
		{name: "too precise", config: RequirementConfig{Network: NetworkTronNile, Price: "0.0000001 USDT", PayTo: "T1"}, is: ErrInvalidAmount},
		{name: "bad scheme", config: RequirementConfig{Network: NetworkTronNile, Price: "1 USDT", PayTo: "T1", Scheme: "stream"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPaymentRequirement(tt.config)
			if err == nil {
				t.Fatal("NewPaymentRequirement() succeeded")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want %v", err, tt.is)
			}
		})
	}
}
