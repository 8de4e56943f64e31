// Package validation checks the shape of x402 wire types before they reach a
// mechanism. It uses struct tags on the wire types plus the custom rules
// "bigint" (non-negative base-10 integer) and "hex32" (0x plus 32 bytes of hex).
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/go-playground/validator/v10"
)

var hex32Regex = regexp.MustCompile(`^0[xX][0-9a-fA-F]{64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("bigint", func(fl validator.FieldLevel) bool {
		_, ok := x402.ParseBigInt(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("hex32", func(fl validator.FieldLevel) bool {
		return hex32Regex.MatchString(fl.Field().String())
	})
	return v
}

// Struct validates any value carrying validate tags, including the custom rules.
func Struct(v any) error {
	return validate.Struct(v)
}

// ValidateAmount validates that an amount string is a valid positive integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}
	amt, ok := x402.ParseBigInt(amount)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}
	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}
	return nil
}

// ValidateAddress validates an address in the native form of network.
func ValidateAddress(addr string, network string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	conv, err := address.ForNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}
	if _, err := conv.ToCanonical(addr); err != nil {
		return err
	}
	return nil
}

// ValidateRequirements checks a requirement a server is about to advertise or a
// facilitator received. Failures are invalid_requirements errors.
func ValidateRequirements(req x402.PaymentRequirements) error {
	if err := validate.Struct(req); err != nil {
		return fieldError(x402.ErrCodeInvalidRequirements, err)
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "amount", err).WithDetails("field", "amount")
	}
	if _, err := x402.ValidateNetwork(req.Network); err != nil {
		return x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "network", err).WithDetails("field", "network")
	}

	addrs := map[string]string{"payTo": req.PayTo, "asset": req.Asset}
	if req.Extra != nil {
		if req.Extra.Spender != "" {
			addrs["extra.spender"] = req.Extra.Spender
		}
		if req.Extra.Fee != nil {
			addrs["extra.fee.feeTo"] = req.Extra.Fee.FeeTo
		}
	}
	for field, addr := range addrs {
		if err := ValidateAddress(addr, req.Network); err != nil {
			return x402.NewPaymentError(x402.ErrCodeInvalidRequirements, field, err).WithDetails("field", field)
		}
	}

	if req.Scheme == x402.SchemeExactPermit && (req.Extra == nil || req.Extra.Spender == "") {
		return x402.Errorf(x402.ErrCodeInvalidRequirements, "exact_permit requires extra.spender").WithDetails("field", "extra.spender")
	}
	return nil
}

// ValidatePayload checks the structure of a decoded payment payload. Failures
// are malformed_payload or invalid_address_format errors.
func ValidatePayload(p x402.PaymentPayload) error {
	if p.X402Version != x402.X402Version {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unsupported x402 version: %d", p.X402Version).WithDetails("field", "x402Version")
	}
	if err := validate.Struct(p); err != nil {
		return fieldError(x402.ErrCodeMalformedPayload, err)
	}
	if !p.Scheme.Valid() {
		return x402.Errorf(x402.ErrCodeUnsupportedScheme, "unsupported scheme %q", p.Scheme)
	}
	if _, err := x402.ValidateNetwork(p.Network); err != nil {
		return x402.NewPaymentError(x402.ErrCodeMalformedPayload, "network", err).WithDetails("field", "network")
	}

	auth := p.Payload.Authorization
	for field, addr := range map[string]string{"authorization.from": auth.From, "authorization.to": auth.To} {
		if err := ValidateAddress(addr, p.Network); err != nil {
			return x402.NewPaymentError(x402.ErrCodeInvalidAddressFormat, field, err).WithDetails("field", field)
		}
	}
	if (p.Scheme == x402.SchemeExactPermit) != (p.Payload.Permit != nil) {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "permit presence does not match scheme %s", p.Scheme).WithDetails("field", "permit")
	}
	return nil
}

// fieldError reports the first failed tag as a PaymentError naming the field.
func fieldError(code x402.ErrorCode, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return x402.NewPaymentError(code, "validation failed", err)
	}
	fe := verrs[0]
	field := fieldPath(fe.Namespace())
	return x402.Errorf(code, "%s failed %q", field, fe.Tag()).WithDetails("field", field)
}

// fieldPath turns "PaymentPayload.Payload.Authorization.Nonce" into
// "payload.authorization.nonce".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}
