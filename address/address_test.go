package address

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bankofai/x402-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

func TestEVMRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"},
		{"checksummed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"},
		{"uppercase prefix", "0X52908400098527886E0F7030069857D2E4169EE7", "0x52908400098527886e0f7030069857d2e4169ee7"},
	}

	c := EVM{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := c.ToCanonical(tt.input)
			if err != nil {
				t.Fatalf("ToCanonical() error = %v", err)
			}
			if len(raw) != 20 {
				t.Fatalf("canonical length = %d, want 20", len(raw))
			}
			got, err := c.ToNative(raw)
			if err != nil {
				t.Fatalf("ToNative() error = %v", err)
			}
			norm, err := c.Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if got != tt.want || got != norm {
				t.Errorf("round trip = %q, normalize = %q, want %q", got, norm, tt.want)
			}
		})
	}
}

func TestEVMInvalid(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		strict bool
	}{
		{"empty", "", false},
		{"no prefix", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed00", false},
		{"short", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1bea", false},
		{"non hex", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beazz", false},
		{"bad checksum", "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := EVM{StrictChecksum: tt.strict}
			if c.IsValidFormat(tt.input) {
				t.Fatalf("IsValidFormat(%q) = true", tt.input)
			}
			_, err := c.ToCanonical(tt.input)
			if x402.ReasonOf(err) != x402.ErrCodeInvalidAddressFormat {
				t.Errorf("reason = %q, want %q", x402.ReasonOf(err), x402.ErrCodeInvalidAddressFormat)
			}
		})
	}
}

func TestEVMStrictAcceptsValidChecksum(t *testing.T) {
	c := EVM{StrictChecksum: true}
	for _, addr := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0x52908400098527886e0f7030069857d2e4169ee7",
	} {
		if !c.IsValidFormat(addr) {
			t.Errorf("IsValidFormat(%q) = false", addr)
		}
	}
}

func TestTronRoundTrip(t *testing.T) {
	c := Tron{}
	for _, addr := range []string{
		"TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		"TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf",
		"T9yD14Nj9j7xAB4dbGeiX9h8unkKHxuWwb",
	} {
		t.Run(addr, func(t *testing.T) {
			raw, err := c.ToCanonical(addr)
			if err != nil {
				t.Fatalf("ToCanonical() error = %v", err)
			}
			if len(raw) != 21 || raw[0] != TronVersion {
				t.Fatalf("canonical = %x, want 21 bytes starting with 0x41", raw)
			}
			got, err := c.ToNative(raw)
			if err != nil {
				t.Fatalf("ToNative() error = %v", err)
			}
			norm, _ := c.Normalize(addr)
			if got != addr || norm != addr {
				t.Errorf("round trip = %q, normalize = %q, want %q", got, norm, addr)
			}
		})
	}
}

func TestTronKnownAccount(t *testing.T) {
	want := common.HexToAddress("0xa614f803b6fd780986a42c78ec9c7f77e6ded13c")

	got, err := TronToEVM("TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t")
	if err != nil {
		t.Fatalf("TronToEVM() error = %v", err)
	}
	if got != want {
		t.Errorf("TronToEVM() = %s, want %s", got.Hex(), want.Hex())
	}
	if back := EVMToTron(want); back != "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t" {
		t.Errorf("EVMToTron() = %s", back)
	}

	for _, alt := range []string{
		"41a614f803b6fd780986a42c78ec9c7f77e6ded13c",
		"0xa614f803b6fd780986a42c78ec9c7f77e6ded13c",
	} {
		norm, err := Tron{}.Normalize(alt)
		if err != nil {
			t.Fatalf("Normalize(%q) error = %v", alt, err)
		}
		if norm != "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t" {
			t.Errorf("Normalize(%q) = %q", alt, norm)
		}
	}
}

func TestTronInvalid(t *testing.T) {
	payload := append([]byte{0xa0}, bytes.Repeat([]byte{0x11}, 20)...)
	wrongVersion := base58.Encode(append(payload, checksum(payload)...))

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad checksum", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6u"},
		{"not base58", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj60"},
		{"too short", "TR7NHqjeKQxGTCi8q8ZY4pL8"},
		{"wrong version", wrongVersion},
		{"evm hex", "0xa614f803b6fd780986a42c78ec9c7f77e6ded13c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (Tron{}).IsValidFormat(tt.input) {
				t.Fatalf("IsValidFormat(%q) = true", tt.input)
			}
			_, err := Tron{}.ToCanonical(tt.input)
			var pe *x402.PaymentError
			if !errors.As(err, &pe) || pe.Code != x402.ErrCodeInvalidAddressFormat {
				t.Errorf("error = %v, want invalid_address_format", err)
			}
		})
	}
}

func TestForNetwork(t *testing.T) {
	if c, err := ForNetwork("tron:nile"); err != nil {
		t.Fatalf("ForNetwork(tron:nile) error = %v", err)
	} else if _, ok := c.(Tron); !ok {
		t.Errorf("ForNetwork(tron:nile) = %T", c)
	}
	if c, err := ForNetwork("eip155:97"); err != nil {
		t.Fatalf("ForNetwork(eip155:97) error = %v", err)
	} else if _, ok := c.(EVM); !ok {
		t.Errorf("ForNetwork(eip155:97) = %T", c)
	}
	if _, err := ForNetwork("solana"); !errors.Is(err, x402.ErrInvalidNetwork) {
		t.Errorf("ForNetwork(solana) error = %v", err)
	}
}
