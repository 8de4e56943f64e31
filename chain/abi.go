package chain

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/bankofai/x402-go"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const tokenABIJSON = `[
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
    {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
    {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
    {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"permit","stateMutability":"nonpayable","inputs":[
    {"name":"owner","type":"address"},{"name":"spender","type":"address"},{"name":"value","type":"uint256"},
    {"name":"deadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
    "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view","inputs":[
    {"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]}
]`

// Token contract method names. The ABI parser suffixes overloads in declaration
// order, so the bytes-signature transferWithAuthorization is "...0".
const (
	MethodTransferWithAuthorization      = "transferWithAuthorization"
	MethodTransferWithAuthorizationBytes = "transferWithAuthorization0"
	MethodPermit                         = "permit"
	MethodTransferFrom                   = "transferFrom"
	MethodBalanceOf                      = "balanceOf"
	MethodAllowance                      = "allowance"
	MethodAuthorizationState             = "authorizationState"
	MethodNonces                         = "nonces"
	MethodDecimals                       = "decimals"
)

// EventTransfer is the ERC-20 Transfer event name.
const EventTransfer = "Transfer"

// TokenABI is the subset of the EIP-3009 / ERC-2612 token interface the
// mechanisms use.
var TokenABI = mustParseABI(tokenABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid token abi: %v", err))
	}
	return parsed
}

// Pack encodes a token method call.
func Pack(method string, args ...any) ([]byte, error) {
	return TokenABI.Pack(method, args...)
}

// UnpackBigInt decodes a single uint256 return value.
func UnpackBigInt(method string, output []byte) (*big.Int, error) {
	values, err := TokenABI.Unpack(method, output)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: expected one return value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected return type %T", method, values[0])
	}
	return v, nil
}

// UnpackBool decodes a single bool return value.
func UnpackBool(method string, output []byte) (bool, error) {
	values, err := TokenABI.Unpack(method, output)
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, fmt.Errorf("%s: expected one return value, got %d", method, len(values))
	}
	v, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected return type %T", method, values[0])
	}
	return v, nil
}

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// Matches reports whether t moves exactly want.Value from want.From to want.To
// on want.Token.
func (t Transfer) Matches(want Transfer) bool {
	return t.Token == want.Token && t.From == want.From && t.To == want.To &&
		t.Value != nil && want.Value != nil && t.Value.Cmp(want.Value) == 0
}

// DecodeTransfer decodes log as a Transfer event. It reports false for any
// other event.
func DecodeTransfer(log x402.TxLog) (Transfer, bool) {
	event := TokenABI.Events[EventTransfer]
	if len(log.Topics) != 3 || !bytes.Equal(log.Topics[0][:], event.ID.Bytes()) {
		return Transfer{}, false
	}
	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil || len(values) != 1 {
		return Transfer{}, false
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return Transfer{}, false
	}
	return Transfer{
		Token: common.Address(log.Address),
		From:  common.BytesToAddress(log.Topics[1][:]),
		To:    common.BytesToAddress(log.Topics[2][:]),
		Value: value,
	}, true
}

// TransferLog encodes t as the log a token contract emits for it.
func TransferLog(t Transfer) x402.TxLog {
	data, _ := TokenABI.Events[EventTransfer].Inputs.NonIndexed().Pack(t.Value)
	return x402.TxLog{
		Address: t.Token,
		Topics: [][32]byte{
			TokenABI.Events[EventTransfer].ID,
			common.BytesToHash(t.From.Bytes()),
			common.BytesToHash(t.To.Bytes()),
		},
		Data: data,
	}
}
