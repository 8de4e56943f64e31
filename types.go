package x402

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// X402Version is the protocol version produced and accepted by this module.
const X402Version = 1

// Scheme names a payment-authorization format.
type Scheme string

const (
	// SchemeExact is a single fixed-amount transfer-with-authorization.
	SchemeExact Scheme = "exact"

	// SchemeExactPermit is an ERC-2612 permit followed by transferFrom.
	SchemeExactPermit Scheme = "exact_permit"

	// SchemeUpto authorizes any amount up to the stated maximum.
	SchemeUpto Scheme = "upto"

	// SchemeNativeExact settles the authorization directly on the token contract.
	SchemeNativeExact Scheme = "native_exact"
)

// Schemes lists every scheme in registration order.
var Schemes = []Scheme{SchemeExact, SchemeExactPermit, SchemeUpto, SchemeNativeExact}

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	switch s {
	case SchemeExact, SchemeExactPermit, SchemeUpto, SchemeNativeExact:
		return true
	}
	return false
}

// FixedAmount reports whether the scheme requires the authorized value to equal the amount.
func (s Scheme) FixedAmount() bool {
	return s != SchemeUpto
}

// PaymentRequirements is a single payment option offered by a resource server.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier.
	Scheme Scheme `json:"scheme" validate:"required,oneof=exact exact_permit upto native_exact"`

	// Network is the chain identifier, e.g. "eip155:1" or "tron:mainnet".
	Network string `json:"network" validate:"required"`

	// Amount is the base-unit amount. It is an exact value for fixed-amount schemes
	// and a maximum for upto.
	Amount string `json:"amount" validate:"required,bigint"`

	// Asset is the token contract address in the network's native text form.
	Asset string `json:"asset" validate:"required"`

	// PayTo is the recipient address in the network's native text form.
	PayTo string `json:"payTo" validate:"required"`

	// Resource identifies the gated resource.
	Resource string `json:"resource,omitempty"`

	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`

	// MaxTimeoutSeconds is the validity window. Zero means DefaultMaxTimeoutSeconds.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`

	// Extra carries the signing domain and scheme-specific data.
	Extra *RequirementsExtra `json:"extra,omitempty"`
}

// RequirementsExtra holds scheme-specific requirement fields.
type RequirementsExtra struct {
	// Name and Version are the token's typed-data domain fields.
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`

	// Spender is the address allowed to pull funds under exact_permit.
	Spender string `json:"spender,omitempty"`

	// Fee is the facilitator fee charged on top of the amount under exact_permit.
	Fee *FeeInfo `json:"fee,omitempty"`
}

// FeeInfo describes a facilitator fee.
type FeeInfo struct {
	FacilitatorID string `json:"facilitatorId,omitempty"`
	FeeTo         string `json:"feeTo" validate:"required"`
	FeeAmount     string `json:"feeAmount" validate:"required,bigint"`
	Caller        string `json:"caller,omitempty"`
}

// Window returns the validity window in seconds.
func (r PaymentRequirements) Window() int64 {
	if r.MaxTimeoutSeconds <= 0 {
		return DefaultMaxTimeoutSeconds
	}
	return int64(r.MaxTimeoutSeconds)
}

// AmountInt parses Amount.
func (r PaymentRequirements) AmountInt() (*big.Int, bool) {
	return ParseBigInt(r.Amount)
}

// FeeAmountInt returns the fee amount, zero when no fee is configured.
func (r PaymentRequirements) FeeAmountInt() (*big.Int, bool) {
	if r.Extra == nil || r.Extra.Fee == nil || r.Extra.Fee.FeeAmount == "" {
		return new(big.Int), true
	}
	return ParseBigInt(r.Extra.Fee.FeeAmount)
}

// PaymentRequirementsResponse is the 402 response body.
type PaymentRequirementsResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is a signed payment produced by a client.
type PaymentPayload struct {
	X402Version int           `json:"x402Version" validate:"eq=1"`
	Scheme      Scheme        `json:"scheme" validate:"required"`
	Network     string        `json:"network" validate:"required"`
	Resource    string        `json:"resource,omitempty"`
	Payload     SchemePayload `json:"payload"`
}

// SchemePayload is the signed part of a PaymentPayload.
type SchemePayload struct {
	// Signature is the 0x-prefixed 65-byte signature over the scheme's struct.
	Signature string `json:"signature" validate:"required"`

	// Authorization is present for every scheme.
	Authorization *Authorization `json:"authorization" validate:"required"`

	// Permit is present for exact_permit only.
	Permit *Permit `json:"permit,omitempty"`
}

// Authorization holds transfer-with-authorization parameters. Numbers are
// decimal strings, Nonce is 0x-prefixed 32-byte hex.
type Authorization struct {
	From        string `json:"from" validate:"required"`
	To          string `json:"to" validate:"required"`
	Value       string `json:"value" validate:"required,bigint"`
	ValidAfter  string `json:"validAfter" validate:"required,bigint"`
	ValidBefore string `json:"validBefore" validate:"required,bigint"`
	Nonce       string `json:"nonce" validate:"required,hex32"`
}

// Permit holds ERC-2612 permit parameters.
type Permit struct {
	Owner    string `json:"owner" validate:"required"`
	Spender  string `json:"spender" validate:"required"`
	Value    string `json:"value" validate:"required,bigint"`
	Nonce    string `json:"nonce" validate:"required,bigint"`
	Deadline string `json:"deadline" validate:"required,bigint"`
}

// Payer returns the authorization's from address, or "" if absent.
func (p PaymentPayload) Payer() string {
	if p.Payload.Authorization == nil {
		return ""
	}
	return p.Payload.Authorization.From
}

// VerifyResponse is the outcome of a verification.
type VerifyResponse struct {
	IsValid       bool      `json:"isValid"`
	InvalidReason ErrorCode `json:"invalidReason,omitempty"`
	Message       string    `json:"message,omitempty"`
	Payer         string    `json:"payer,omitempty"`
}

// SettleResponse is the outcome of a settlement attempt.
type SettleResponse struct {
	Success     bool      `json:"success"`
	Transaction string    `json:"transaction,omitempty"`
	Network     string    `json:"network"`
	Payer       string    `json:"payer,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	ErrorReason ErrorCode `json:"errorReason,omitempty"`
}

// SupportedKind is one (scheme, network) pair a facilitator settles.
type SupportedKind struct {
	X402Version int                `json:"x402Version"`
	Scheme      Scheme             `json:"scheme"`
	Network     string             `json:"network"`
	Extra       *RequirementsExtra `json:"extra,omitempty"`
}

// SupportedResponse lists a facilitator's supported kinds.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// FeeQuoteResponse is a facilitator's fee for settling a given requirement.
type FeeQuoteResponse struct {
	Fee       FeeInfo `json:"fee"`
	Scheme    Scheme  `json:"scheme"`
	Network   string  `json:"network"`
	Asset     string  `json:"asset"`
	ExpiresAt int64   `json:"expiresAt"`
}

// ParseBigInt parses a non-negative base-10 integer string.
func ParseBigInt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// AmountToBigInt converts a decimal amount string to base units.
// "1.5" with 6 decimals becomes 1500000. Amounts with more fractional digits than
// decimals are rejected.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if d.IsNegative() {
		return nil, ErrInvalidAmount
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	return scaled.BigInt(), nil
}

// BigIntToAmount converts base units to a decimal string with exactly decimals
// fractional digits. 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		value = new(big.Int)
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).StringFixed(int32(decimals))
}
