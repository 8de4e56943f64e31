// Package address converts between a chain's native address text and the
// canonical byte form used inside signed structured data.
package address

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bankofai/x402-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// Converter normalizes one chain family's addresses.
//
// For every valid native address x: ToNative(ToCanonical(x)) == Normalize(x).
type Converter interface {
	// ToCanonical decodes native text into canonical bytes.
	ToCanonical(native string) ([]byte, error)

	// ToNative encodes canonical bytes as native text.
	ToNative(canonical []byte) (string, error)

	// IsValidFormat reports whether native is a well-formed address.
	IsValidFormat(native string) bool

	// Normalize returns the normal native form of an address.
	Normalize(native string) (string, error)
}

func invalid(format string, args ...any) error {
	return x402.Errorf(x402.ErrCodeInvalidAddressFormat, format, args...)
}

// EVM handles 0x-prefixed 20-byte hex addresses. The canonical form is the raw
// 20 bytes and the normal native form is lowercase hex.
type EVM struct {
	// StrictChecksum rejects mixed-case input whose EIP-55 checksum is wrong.
	// All-lowercase and all-uppercase input is always accepted.
	StrictChecksum bool
}

// ToCanonical implements Converter.
func (c EVM) ToCanonical(native string) ([]byte, error) {
	if len(native) != 42 || (native[:2] != "0x" && native[:2] != "0X") {
		return nil, invalid("evm address %q must be 0x followed by 40 hex characters", native)
	}
	body := native[2:]
	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, invalid("evm address %q is not hex", native)
	}
	if c.StrictChecksum && body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if common.BytesToAddress(raw).Hex()[2:] != body {
			return nil, invalid("evm address %q has a bad checksum", native)
		}
	}
	return raw, nil
}

// ToNative implements Converter.
func (EVM) ToNative(canonical []byte) (string, error) {
	if len(canonical) != common.AddressLength {
		return "", invalid("evm address must be %d bytes, got %d", common.AddressLength, len(canonical))
	}
	return "0x" + hex.EncodeToString(canonical), nil
}

// IsValidFormat implements Converter.
func (c EVM) IsValidFormat(native string) bool {
	_, err := c.ToCanonical(native)
	return err == nil
}

// Normalize implements Converter.
func (c EVM) Normalize(native string) (string, error) {
	raw, err := c.ToCanonical(native)
	if err != nil {
		return "", err
	}
	return c.ToNative(raw)
}

// TronVersion is the version byte of TRON mainnet-style addresses.
const TronVersion byte = 0x41

const (
	tronPayloadLen  = 21
	tronChecksumLen = 4
)

// Tron handles base58check addresses. The canonical form is the 21-byte decoded
// payload, version byte included.
type Tron struct{}

// ToCanonical implements Converter.
func (Tron) ToCanonical(native string) ([]byte, error) {
	decoded, err := base58.Decode(native)
	if err != nil {
		return nil, invalid("tron address %q is not base58", native)
	}
	if len(decoded) != tronPayloadLen+tronChecksumLen {
		return nil, invalid("tron address %q decodes to %d bytes", native, len(decoded))
	}
	payload, sum := decoded[:tronPayloadLen], decoded[tronPayloadLen:]
	if payload[0] != TronVersion {
		return nil, invalid("tron address %q has version byte 0x%02x", native, payload[0])
	}
	if !bytes.Equal(checksum(payload), sum) {
		return nil, invalid("tron address %q has a bad checksum", native)
	}
	return payload, nil
}

// ToNative implements Converter. A bare 20-byte account is given the version byte.
func (Tron) ToNative(canonical []byte) (string, error) {
	switch len(canonical) {
	case common.AddressLength:
		canonical = append([]byte{TronVersion}, canonical...)
	case tronPayloadLen:
		if canonical[0] != TronVersion {
			return "", invalid("tron address has version byte 0x%02x", canonical[0])
		}
	default:
		return "", invalid("tron address must be 20 or 21 bytes, got %d", len(canonical))
	}
	buf := make([]byte, 0, tronPayloadLen+tronChecksumLen)
	buf = append(buf, canonical...)
	buf = append(buf, checksum(canonical)...)
	return base58.Encode(buf), nil
}

// IsValidFormat implements Converter.
func (t Tron) IsValidFormat(native string) bool {
	_, err := t.ToCanonical(native)
	return err == nil
}

// Normalize implements Converter. Besides base58check it accepts 41-prefixed
// hex and 0x-prefixed EVM hex, both converted to base58check.
func (t Tron) Normalize(native string) (string, error) {
	if len(native) == 42 {
		prefix := strings.ToLower(native[:2])
		if prefix == "41" || prefix == "0x" {
			if raw, err := hex.DecodeString(native[2:]); err == nil {
				return t.ToNative(raw)
			}
		}
	}
	raw, err := t.ToCanonical(native)
	if err != nil {
		return "", err
	}
	return t.ToNative(raw)
}

// TronToEVM returns the 20-byte account of a TRON address in any accepted form.
func TronToEVM(native string) (common.Address, error) {
	norm, err := Tron{}.Normalize(native)
	if err != nil {
		return common.Address{}, err
	}
	raw, _ := Tron{}.ToCanonical(norm)
	return common.BytesToAddress(raw[1:]), nil
}

// EVMToTron returns the base58check form of a 20-byte account.
func EVMToTron(addr common.Address) string {
	s, _ := Tron{}.ToNative(addr.Bytes())
	return s
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:tronChecksumLen]
}

// ForNetwork returns the converter of a network's chain family.
func ForNetwork(network string) (Converter, error) {
	t, err := x402.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	switch t {
	case x402.NetworkTypeTRON:
		return Tron{}, nil
	case x402.NetworkTypeEVM:
		return EVM{}, nil
	}
	return nil, fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
}
