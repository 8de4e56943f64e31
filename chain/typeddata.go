package chain

import (
	"fmt"
	"math/big"

	"github.com/bankofai/x402-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedStruct is a typed-data message. Address-typed values are native address
// strings; the adapter converts them before hashing.
type TypedStruct struct {
	PrimaryType string
	Fields      []apitypes.Type
	Message     map[string]any
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// TransferWithAuthorizationType is the EIP-3009 struct.
var TransferWithAuthorizationType = []apitypes.Type{
	{Name: "from", Type: "address"},
	{Name: "to", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "validAfter", Type: "uint256"},
	{Name: "validBefore", Type: "uint256"},
	{Name: "nonce", Type: "bytes32"},
}

// PermitType is the ERC-2612 struct.
var PermitType = []apitypes.Type{
	{Name: "owner", Type: "address"},
	{Name: "spender", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
}

// TransferWithAuthorizationStruct builds the EIP-3009 message for auth.
func TransferWithAuthorizationStruct(auth *x402.Authorization) TypedStruct {
	return TypedStruct{
		PrimaryType: "TransferWithAuthorization",
		Fields:      TransferWithAuthorizationType,
		Message: map[string]any{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
}

// PermitStruct builds the ERC-2612 message for p.
func PermitStruct(p *x402.Permit) TypedStruct {
	return TypedStruct{
		PrimaryType: "Permit",
		Fields:      PermitType,
		Message: map[string]any{
			"owner":    p.Owner,
			"spender":  p.Spender,
			"value":    p.Value,
			"nonce":    p.Nonce,
			"deadline": p.Deadline,
		},
	}
}

func encodeTypedData(domain Domain, s TypedStruct, toSigning func(string) (common.Address, error)) ([]byte, error) {
	if domain.ChainID == nil {
		return nil, fmt.Errorf("domain chain id is required")
	}
	contract, err := toSigning(domain.VerifyingContract)
	if err != nil {
		return nil, fmt.Errorf("verifying contract: %w", err)
	}

	message := make(apitypes.TypedDataMessage, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := s.Message[f.Name]
		if !ok {
			return nil, x402.Errorf(x402.ErrCodeMalformedPayload, "%s.%s is missing", s.PrimaryType, f.Name)
		}
		if f.Type == "address" {
			native, ok := v.(string)
			if !ok {
				return nil, x402.Errorf(x402.ErrCodeMalformedPayload, "%s.%s must be an address string", s.PrimaryType, f.Name)
			}
			addr, err := toSigning(native)
			if err != nil {
				return nil, err
			}
			v = addr.Hex()
		}
		message[f.Name] = v
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			s.PrimaryType:  s.Fields,
		},
		PrimaryType: s.PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: contract.Hex(),
		},
		Message: message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(s.PrimaryType, typedData.Message)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "failed to hash message", err)
	}

	encoded := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	encoded = append(encoded, 0x19, 0x01)
	encoded = append(encoded, domainSeparator...)
	encoded = append(encoded, messageHash...)
	return encoded, nil
}

// Digest returns the keccak256 hash that is actually signed.
func Digest(encoded []byte) []byte {
	return crypto.Keccak256(encoded)
}

// SignatureLength is the length of an r || s || v signature.
const SignatureLength = 65

// RecoverSigner returns the account that produced signature over encoded.
// v may be 0/1 or 27/28.
func RecoverSigner(encoded, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, x402.Errorf(x402.ErrCodeInvalidSignature, "signature must be %d bytes, got %d", SignatureLength, len(signature))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, x402.Errorf(x402.ErrCodeInvalidSignature, "bad recovery id %d", signature[64])
	}
	pub, err := crypto.SigToPub(Digest(encoded), sig)
	if err != nil {
		return common.Address{}, x402.NewPaymentError(x402.ErrCodeInvalidSignature, "signature recovery failed", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SplitSignature returns v, r and s with v normalized to 27/28.
func SplitSignature(signature []byte) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if len(signature) != SignatureLength {
		return 0, r, s, x402.Errorf(x402.ErrCodeMalformedPayload, "signature must be %d bytes", SignatureLength)
	}
	copy(r[:], signature[:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
