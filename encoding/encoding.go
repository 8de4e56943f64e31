// Package encoding converts x402 messages to and from the base64 JSON form
// carried in the X-PAYMENT and X-PAYMENT-RESPONSE headers.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bankofai/x402-go"
)

// MaxHeaderSize bounds an encoded header value.
const MaxHeaderSize = 16 << 10

// EncodePayment converts a PaymentPayload to base64-encoded JSON string.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	return encode("payment", payment)
}

// DecodePayment converts a base64-encoded JSON string to PaymentPayload.
// Errors wrap x402.ErrMalformedHeader.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	return decode[x402.PaymentPayload]("payment", encoded)
}

// EncodeSettlement converts a SettleResponse to base64-encoded JSON string.
func EncodeSettlement(settlement x402.SettleResponse) (string, error) {
	return encode("settlement", settlement)
}

// DecodeSettlement converts a base64-encoded JSON string to SettleResponse.
func DecodeSettlement(encoded string) (x402.SettleResponse, error) {
	return decode[x402.SettleResponse]("settlement", encoded)
}

// EncodeRequirements converts PaymentRequirementsResponse to base64-encoded JSON.
func EncodeRequirements(requirements x402.PaymentRequirementsResponse) (string, error) {
	return encode("requirements", requirements)
}

// DecodeRequirements converts base64-encoded JSON to PaymentRequirementsResponse.
func DecodeRequirements(encoded string) (x402.PaymentRequirementsResponse, error) {
	return decode[x402.PaymentRequirementsResponse]("requirements", encoded)
}

func encode(what string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// decode accepts standard and URL-safe base64, padded or not.
func decode[T any](what, encoded string) (T, error) {
	var out T
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return out, fmt.Errorf("%w: empty %s", x402.ErrMalformedHeader, what)
	}
	if len(encoded) > MaxHeaderSize {
		return out, fmt.Errorf("%w: %s header is %d bytes", x402.ErrMalformedHeader, what, len(encoded))
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	if err != nil {
		return out, fmt.Errorf("%w: failed to decode base64: %v", x402.ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: failed to unmarshal %s: %v", x402.ErrMalformedHeader, what, err)
	}
	return out, nil
}
