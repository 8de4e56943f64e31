package mechanism

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
	"github.com/ethereum/go-ethereum/common"
)

// variant is the per-scheme behavior shared by the three roles. The set of
// variants is closed and chosen when a mechanism is constructed.
type variant interface {
	scheme() x402.Scheme

	// authorize fills the scheme-specific payload fields for a signed value and
	// returns the struct to sign.
	authorize(ctx context.Context, in authorizeInput) (*x402.SchemePayload, chain.TypedStruct, error)

	// checkStructure validates scheme-specific payload shape.
	checkStructure(a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements) error

	// signed returns the struct the payload signature covers and the address
	// that must have signed it.
	signed(p *x402.SchemePayload) (chain.TypedStruct, string)

	// requiredBalance is the balance the payer must hold.
	requiredBalance(p *x402.SchemePayload) *big.Int

	// nonceUsed reports whether the authorization was already consumed.
	nonceUsed(ctx context.Context, r ContractReader, a chain.Adapter, asset string, p *x402.SchemePayload) (bool, error)

	// calls returns the settlement call sequence and the index of the call whose
	// hash identifies the settlement.
	calls(a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements) ([]settlementCall, int, error)

	// stepDone reports whether call step of the settlement already took effect
	// on chain, whichever transaction carried it.
	stepDone(ctx context.Context, r ContractReader, a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements, step int) (bool, error)
}

// settlementCall is one transaction of a settlement and the token movement its
// receipt must show, if any.
type settlementCall struct {
	x402.ContractCall
	transfer *chain.Transfer
}

type authorizeInput struct {
	adapter     chain.Adapter
	req         *x402.PaymentRequirements
	from        string
	value       *big.Int
	validAfter  int64
	validBefore int64
	nonce       [32]byte
	permitNonce PermitNonceReader
}

// ContractReader performs read-only contract calls. x402.FacilitatorSigner
// satisfies it.
type ContractReader interface {
	CallContract(ctx context.Context, contract string, data []byte) ([]byte, error)
}

func newVariant(s x402.Scheme) (variant, error) {
	switch s {
	case x402.SchemeExact, x402.SchemeUpto:
		return authVariant{name: s}, nil
	case x402.SchemeNativeExact:
		return authVariant{name: s, bytesSignature: true}, nil
	case x402.SchemeExactPermit:
		return permitVariant{}, nil
	}
	return nil, x402.Errorf(x402.ErrCodeUnsupportedScheme, "unsupported scheme %q", s)
}

// authVariant covers the transfer-with-authorization schemes: exact, upto and
// native_exact. They sign the same struct and differ in amount policy and the
// settlement entry point.
type authVariant struct {
	name           x402.Scheme
	bytesSignature bool
}

func (v authVariant) scheme() x402.Scheme { return v.name }

func (v authVariant) authorize(_ context.Context, in authorizeInput) (*x402.SchemePayload, chain.TypedStruct, error) {
	auth := &x402.Authorization{
		From:        in.from,
		To:          in.req.PayTo,
		Value:       in.value.String(),
		ValidAfter:  fmt.Sprint(in.validAfter),
		ValidBefore: fmt.Sprint(in.validBefore),
		Nonce:       "0x" + hex.EncodeToString(in.nonce[:]),
	}
	return &x402.SchemePayload{Authorization: auth}, chain.TransferWithAuthorizationStruct(auth), nil
}

func (v authVariant) checkStructure(_ chain.Adapter, p *x402.SchemePayload, _ *x402.PaymentRequirements) error {
	if p.Permit != nil {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "%s payload must not carry a permit", v.name)
	}
	return nil
}

func (v authVariant) signed(p *x402.SchemePayload) (chain.TypedStruct, string) {
	return chain.TransferWithAuthorizationStruct(p.Authorization), p.Authorization.From
}

func (v authVariant) requiredBalance(p *x402.SchemePayload) *big.Int {
	value, _ := x402.ParseBigInt(p.Authorization.Value)
	return value
}

func (v authVariant) nonceUsed(ctx context.Context, r ContractReader, a chain.Adapter, asset string, p *x402.SchemePayload) (bool, error) {
	from, err := a.SigningAddress(p.Authorization.From)
	if err != nil {
		return false, err
	}
	nonce, err := nonceBytes(p.Authorization.Nonce)
	if err != nil {
		return false, err
	}
	data, err := chain.Pack(chain.MethodAuthorizationState, from, nonce)
	if err != nil {
		return false, err
	}
	out, err := r.CallContract(ctx, asset, data)
	if err != nil {
		return false, err
	}
	used, err := chain.UnpackBool(chain.MethodAuthorizationState, out)
	if err != nil {
		return false, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode authorizationState", err)
	}
	return used, nil
}

func (v authVariant) calls(a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements) ([]settlementCall, int, error) {
	args, err := authorizationArgs(a, p.Authorization)
	if err != nil {
		return nil, 0, err
	}
	sig, err := decodeSignature(p.Signature)
	if err != nil {
		return nil, 0, err
	}

	method := chain.MethodTransferWithAuthorization
	if v.bytesSignature {
		method = chain.MethodTransferWithAuthorizationBytes
		args = append(args, sig)
	} else {
		sv, r, s, err := chain.SplitSignature(sig)
		if err != nil {
			return nil, 0, err
		}
		args = append(args, sv, r, s)
	}

	data, err := chain.Pack(method, args...)
	if err != nil {
		return nil, 0, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "encode "+method, err)
	}
	token, err := a.SigningAddress(req.Asset)
	if err != nil {
		return nil, 0, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "asset", err)
	}
	return []settlementCall{{
		ContractCall: x402.ContractCall{Contract: req.Asset, Method: method, Data: data},
		transfer:     &chain.Transfer{Token: token, From: args[0].(common.Address), To: args[1].(common.Address), Value: args[2].(*big.Int)},
	}}, 0, nil
}

func (v authVariant) stepDone(ctx context.Context, r ContractReader, a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements, _ int) (bool, error) {
	return v.nonceUsed(ctx, r, a, req.Asset, p)
}

// permitVariant is exact_permit: an ERC-2612 permit granting the facilitator
// an allowance, followed by transferFrom to the recipient and optionally to
// the fee receiver.
type permitVariant struct{}

func (permitVariant) scheme() x402.Scheme { return x402.SchemeExactPermit }

func (permitVariant) authorize(ctx context.Context, in authorizeInput) (*x402.SchemePayload, chain.TypedStruct, error) {
	req := in.req
	if req.Extra == nil || req.Extra.Spender == "" {
		return nil, chain.TypedStruct{}, x402.Errorf(x402.ErrCodeInvalidRequirements, "exact_permit requires extra.spender")
	}
	if !in.adapter.Converter().IsValidFormat(req.Extra.Spender) {
		return nil, chain.TypedStruct{}, x402.Errorf(x402.ErrCodeInvalidRequirements, "invalid spender %q", req.Extra.Spender)
	}
	fee, ok := req.FeeAmountInt()
	if !ok {
		return nil, chain.TypedStruct{}, x402.Errorf(x402.ErrCodeInvalidRequirements, "invalid fee amount")
	}
	if fee.Sign() > 0 && !in.adapter.Converter().IsValidFormat(req.Extra.Fee.FeeTo) {
		return nil, chain.TypedStruct{}, x402.Errorf(x402.ErrCodeInvalidRequirements, "invalid fee receiver %q", req.Extra.Fee.FeeTo)
	}

	permitNonce := new(big.Int)
	if in.permitNonce != nil {
		n, err := in.permitNonce(ctx, req.Network, req.Asset, in.from)
		if err != nil {
			return nil, chain.TypedStruct{}, fmt.Errorf("read permit nonce: %w", err)
		}
		permitNonce = n
	}
	if permitNonce.Sign() < 0 || permitNonce.BitLen() > 256 {
		return nil, chain.TypedStruct{}, x402.Errorf(x402.ErrCodeInvalidRequirements, "permit nonce out of range")
	}

	var nonce [32]byte
	permitNonce.FillBytes(nonce[:])

	auth := &x402.Authorization{
		From:        in.from,
		To:          req.PayTo,
		Value:       in.value.String(),
		ValidAfter:  fmt.Sprint(in.validAfter),
		ValidBefore: fmt.Sprint(in.validBefore),
		Nonce:       "0x" + hex.EncodeToString(nonce[:]),
	}
	permit := &x402.Permit{
		Owner:    in.from,
		Spender:  req.Extra.Spender,
		Value:    new(big.Int).Add(in.value, fee).String(),
		Nonce:    permitNonce.String(),
		Deadline: fmt.Sprint(in.validBefore),
	}
	return &x402.SchemePayload{Authorization: auth, Permit: permit}, chain.PermitStruct(permit), nil
}

func (permitVariant) checkStructure(a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements) error {
	permit := p.Permit
	if permit == nil {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "exact_permit payload requires a permit")
	}
	auth := p.Authorization
	conv := a.Converter()

	if !sameAddress(a, permit.Owner, auth.From) {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "permit owner %s is not the payer", permit.Owner)
	}
	if !conv.IsValidFormat(permit.Spender) {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "invalid permit spender %q", permit.Spender)
	}
	if req.Extra != nil && req.Extra.Spender != "" && !sameAddress(a, permit.Spender, req.Extra.Spender) {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "permit spender %s is not the required spender", permit.Spender)
	}

	value, ok1 := x402.ParseBigInt(auth.Value)
	permitValue, ok2 := x402.ParseBigInt(permit.Value)
	fee, ok3 := req.FeeAmountInt()
	if !ok1 || !ok2 || !ok3 {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unparsable permit value")
	}
	if permitValue.Cmp(new(big.Int).Add(value, fee)) != 0 {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "permit value %s is not value plus fee", permit.Value)
	}
	if fee.Sign() > 0 && !conv.IsValidFormat(req.Extra.Fee.FeeTo) {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "invalid fee receiver %q", req.Extra.Fee.FeeTo)
	}

	deadline, ok1 := x402.ParseBigInt(permit.Deadline)
	validBefore, ok2 := x402.ParseBigInt(auth.ValidBefore)
	if !ok1 || !ok2 {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unparsable permit deadline")
	}
	if deadline.Cmp(validBefore) < 0 {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "permit deadline %s precedes validBefore", permit.Deadline)
	}

	permitNonce, ok := x402.ParseBigInt(permit.Nonce)
	if !ok || permitNonce.BitLen() > 256 {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "unparsable permit nonce")
	}
	nonce, err := nonceBytes(auth.Nonce)
	if err != nil {
		return err
	}
	if new(big.Int).SetBytes(nonce[:]).Cmp(permitNonce) != 0 {
		return x402.Errorf(x402.ErrCodeMalformedPayload, "authorization nonce does not match permit nonce")
	}
	return nil
}

func (permitVariant) signed(p *x402.SchemePayload) (chain.TypedStruct, string) {
	return chain.PermitStruct(p.Permit), p.Permit.Owner
}

func (permitVariant) requiredBalance(p *x402.SchemePayload) *big.Int {
	value, _ := x402.ParseBigInt(p.Permit.Value)
	return value
}

func (permitVariant) nonceUsed(ctx context.Context, r ContractReader, a chain.Adapter, asset string, p *x402.SchemePayload) (bool, error) {
	owner, err := a.SigningAddress(p.Permit.Owner)
	if err != nil {
		return false, err
	}
	onChain, err := readNonce(ctx, r, asset, owner)
	if err != nil {
		return false, err
	}
	want, _ := x402.ParseBigInt(p.Permit.Nonce)
	switch onChain.Cmp(want) {
	case 1:
		return true, nil
	case -1:
		return false, x402.Errorf(x402.ErrCodeMalformedPayload, "permit nonce %s is ahead of the token nonce %s", want, onChain)
	}
	return false, nil
}

func (permitVariant) calls(a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements) ([]settlementCall, int, error) {
	permit := p.Permit
	owner, err := a.SigningAddress(permit.Owner)
	if err != nil {
		return nil, 0, err
	}
	token, err := a.SigningAddress(req.Asset)
	if err != nil {
		return nil, 0, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "asset", err)
	}
	spender, err := a.SigningAddress(permit.Spender)
	if err != nil {
		return nil, 0, err
	}
	payTo, err := a.SigningAddress(req.PayTo)
	if err != nil {
		return nil, 0, err
	}
	permitValue, _ := x402.ParseBigInt(permit.Value)
	deadline, _ := x402.ParseBigInt(permit.Deadline)
	value, _ := x402.ParseBigInt(p.Authorization.Value)
	fee, _ := req.FeeAmountInt()

	sig, err := decodeSignature(p.Signature)
	if err != nil {
		return nil, 0, err
	}
	v, r, s, err := chain.SplitSignature(sig)
	if err != nil {
		return nil, 0, err
	}

	permitData, err := chain.Pack(chain.MethodPermit, owner, spender, permitValue, deadline, v, r, s)
	if err != nil {
		return nil, 0, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "encode permit", err)
	}
	transferData, err := chain.Pack(chain.MethodTransferFrom, owner, payTo, value)
	if err != nil {
		return nil, 0, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "encode transferFrom", err)
	}
	calls := []settlementCall{
		{ContractCall: x402.ContractCall{Contract: req.Asset, Method: chain.MethodPermit, Data: permitData}},
		{
			ContractCall: x402.ContractCall{Contract: req.Asset, Method: chain.MethodTransferFrom, Data: transferData},
			transfer:     &chain.Transfer{Token: token, From: owner, To: payTo, Value: value},
		},
	}

	if fee.Sign() > 0 {
		feeTo, err := a.SigningAddress(req.Extra.Fee.FeeTo)
		if err != nil {
			return nil, 0, err
		}
		feeData, err := chain.Pack(chain.MethodTransferFrom, owner, feeTo, fee)
		if err != nil {
			return nil, 0, x402.NewPaymentError(x402.ErrCodeMalformedPayload, "encode fee transferFrom", err)
		}
		calls = append(calls, settlementCall{
			ContractCall: x402.ContractCall{Contract: req.Asset, Method: chain.MethodTransferFrom, Data: feeData},
			transfer:     &chain.Transfer{Token: token, From: owner, To: feeTo, Value: fee},
		})
	}
	return calls, 1, nil
}

// stepDone checks the permit nonce for the permit call. A transferFrom call is
// done once the allowance granted by the permit has dropped by the amounts of
// every transfer up to and including it.
func (v permitVariant) stepDone(ctx context.Context, r ContractReader, a chain.Adapter, p *x402.SchemePayload, req *x402.PaymentRequirements, step int) (bool, error) {
	if step == 0 {
		return v.nonceUsed(ctx, r, a, req.Asset, p)
	}
	owner, err := a.SigningAddress(p.Permit.Owner)
	if err != nil {
		return false, err
	}
	spender, err := a.SigningAddress(p.Permit.Spender)
	if err != nil {
		return false, err
	}
	allowance, err := readAllowance(ctx, r, req.Asset, owner, spender)
	if err != nil {
		return false, err
	}

	remaining, _ := x402.ParseBigInt(p.Permit.Value)
	value, _ := x402.ParseBigInt(p.Authorization.Value)
	remaining = new(big.Int).Sub(remaining, value)
	if step >= 2 {
		fee, _ := req.FeeAmountInt()
		remaining.Sub(remaining, fee)
	}
	return allowance.Cmp(remaining) <= 0, nil
}

func authorizationArgs(a chain.Adapter, auth *x402.Authorization) ([]any, error) {
	from, err := a.SigningAddress(auth.From)
	if err != nil {
		return nil, err
	}
	to, err := a.SigningAddress(auth.To)
	if err != nil {
		return nil, err
	}
	value, ok1 := x402.ParseBigInt(auth.Value)
	validAfter, ok2 := x402.ParseBigInt(auth.ValidAfter)
	validBefore, ok3 := x402.ParseBigInt(auth.ValidBefore)
	if !ok1 || !ok2 || !ok3 {
		return nil, x402.Errorf(x402.ErrCodeMalformedPayload, "unparsable authorization numbers")
	}
	nonce, err := nonceBytes(auth.Nonce)
	if err != nil {
		return nil, err
	}
	return []any{from, to, value, validAfter, validBefore, nonce}, nil
}

func readNonce(ctx context.Context, r ContractReader, asset string, owner common.Address) (*big.Int, error) {
	data, err := chain.Pack(chain.MethodNonces, owner)
	if err != nil {
		return nil, err
	}
	out, err := r.CallContract(ctx, asset, data)
	if err != nil {
		return nil, err
	}
	n, err := chain.UnpackBigInt(chain.MethodNonces, out)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode nonces", err)
	}
	return n, nil
}

func readAllowance(ctx context.Context, r ContractReader, asset string, owner, spender common.Address) (*big.Int, error) {
	data, err := chain.Pack(chain.MethodAllowance, owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := r.CallContract(ctx, asset, data)
	if err != nil {
		return nil, err
	}
	n, err := chain.UnpackBigInt(chain.MethodAllowance, out)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeRPCUnavailable, "decode allowance", err)
	}
	return n, nil
}

func nonceBytes(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeHex(s)
	if err != nil || len(raw) != len(out) {
		return out, x402.Errorf(x402.ErrCodeMalformedPayload, "nonce must be 32 bytes of hex")
	}
	copy(out[:], raw)
	return out, nil
}

func decodeSignature(s string) ([]byte, error) {
	raw, err := decodeHex(s)
	if err != nil || len(raw) != chain.SignatureLength {
		return nil, x402.Errorf(x402.ErrCodeMalformedPayload, "signature must be %d bytes of hex", chain.SignatureLength)
	}
	return raw, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s) < 2 || !strings.EqualFold(s[:2], "0x") {
		return nil, fmt.Errorf("missing 0x prefix")
	}
	return hex.DecodeString(s[2:])
}

func sameAddress(a chain.Adapter, x, y string) bool {
	cx, err := a.Converter().ToCanonical(x)
	if err != nil {
		return false
	}
	cy, err := a.Converter().ToCanonical(y)
	if err != nil {
		return false
	}
	return string(cx) == string(cy)
}
