package x402

import (
	"errors"
	"fmt"
)

// Standard x402 error definitions

var (
	// ErrInvalidAmount indicates an amount could not be parsed or is out of range.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates the private key is malformed.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidNetwork indicates an unknown or unsupported network identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidToken indicates a token is not known for the network.
	ErrInvalidToken = errors.New("x402: invalid token configuration")

	// ErrInvalidKeystore indicates the keystore file could not be read or decrypted.
	ErrInvalidKeystore = errors.New("x402: invalid keystore file")

	// ErrInvalidMnemonic indicates the BIP-39 mnemonic is invalid.
	ErrInvalidMnemonic = errors.New("x402: invalid mnemonic phrase")

	// ErrFacilitatorUnavailable indicates the facilitator service could not be reached.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrMalformedHeader indicates the X-PAYMENT header is missing or cannot be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an x402Version other than the supported one.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrConfirmationTimeout is returned by a FacilitatorSigner when a transaction
	// was not confirmed before the deadline. The transaction may still land.
	ErrConfirmationTimeout = errors.New("x402: confirmation timeout")

	// ErrTransactionNotFound is returned while a node does not know a transaction yet.
	ErrTransactionNotFound = errors.New("x402: transaction not found")
)

// ErrorCode is the machine-readable reason carried by verify and settle results.
// The string values are part of the wire contract.
type ErrorCode string

// Local validation codes.
const (
	ErrCodeSchemeOrNetworkMismatch ErrorCode = "scheme_or_network_mismatch"
	ErrCodeInvalidAddressFormat    ErrorCode = "invalid_address_format"
	ErrCodeRecipientMismatch       ErrorCode = "recipient_mismatch"
	ErrCodeAmountMismatch          ErrorCode = "amount_mismatch"
	ErrCodeExpired                 ErrorCode = "expired"
	ErrCodeNotYetValid             ErrorCode = "not_yet_valid"
	ErrCodeWindowTooWide           ErrorCode = "window_too_wide"
	ErrCodeMalformedPayload        ErrorCode = "malformed_payload"
	ErrCodeUnsupportedScheme       ErrorCode = "unsupported_scheme"
)

// Chain-state codes.
const (
	ErrCodeInvalidSignature  ErrorCode = "invalid_signature"
	ErrCodeTokenNotAllowed   ErrorCode = "token_not_allowed"
	ErrCodeInsufficientFunds ErrorCode = "insufficient_funds"
	ErrCodeNonceAlreadyUsed  ErrorCode = "nonce_already_used"
)

// Settlement codes.
const (
	ErrCodeContractReverted    ErrorCode = "contract_reverted"
	ErrCodeConfirmationTimeout ErrorCode = "confirmation_timeout"
	ErrCodeRPCUnavailable      ErrorCode = "rpc_unavailable"
	ErrCodeClaimConflict       ErrorCode = "claim_conflict"
)

// Client-side codes.
const (
	ErrCodeSignerUnavailable      ErrorCode = "signer_unavailable"
	ErrCodeInvalidRequirements    ErrorCode = "invalid_requirements"
	ErrCodeNoMatchingRequirement  ErrorCode = "no_matching_requirement"
	ErrCodeFacilitatorUnavailable ErrorCode = "facilitator_unavailable"
)

// Retryable reports whether an operation that failed with code may succeed when
// retried with the same payload.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrCodeConfirmationTimeout, ErrCodeRPCUnavailable, ErrCodeClaimConflict, ErrCodeFacilitatorUnavailable:
		return true
	}
	return false
}

// PaymentError is a structured error with a reason code and optional details.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]any
}

// NewPaymentError creates a PaymentError. err may be nil.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]any),
	}
}

// Errorf creates a PaymentError with a formatted message and no wrapped error.
func Errorf(code ErrorCode, format string, args ...any) *PaymentError {
	return NewPaymentError(code, fmt.Sprintf(format, args...), nil)
}

// WithDetails attaches a key/value pair and returns the same error for chaining.
func (e *PaymentError) WithDetails(key string, value any) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("x402: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("x402: %s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches another *PaymentError with the same code, so callers can write
// errors.Is(err, x402.Errorf(x402.ErrCodeExpired, "")).
func (e *PaymentError) Is(target error) bool {
	var pe *PaymentError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code
}

// ReasonOf extracts the ErrorCode from err. Known sentinels map to their codes,
// anything else yields an empty code.
func ReasonOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, ErrConfirmationTimeout) {
		return ErrCodeConfirmationTimeout
	}
	if errors.Is(err, ErrFacilitatorUnavailable) {
		return ErrCodeFacilitatorUnavailable
	}
	return ""
}
