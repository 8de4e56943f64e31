// Package chain holds the per-chain primitives shared by every scheme: network
// parsing, typed-data domains and struct encoding, token decimals and the token
// contract ABI.
package chain

import (
	"fmt"
	"math/big"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/address"
	"github.com/ethereum/go-ethereum/common"
)

// Domain is a typed-data signing domain. VerifyingContract is in native text form.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// Adapter is the only place where EVM and TRON differ. Everything above it is
// chain-agnostic.
type Adapter interface {
	// Type returns the chain family.
	Type() x402.NetworkType

	// ValidNetwork reports whether network belongs to this adapter.
	ValidNetwork(network string) bool

	// ChainID returns the chain identifier used in signing domains.
	ChainID(network string) (*big.Int, error)

	// Converter returns the address converter of the chain family.
	Converter() address.Converter

	// SigningAddress converts a native address to the 20-byte form used inside
	// typed data and ABI calls.
	SigningAddress(native string) (common.Address, error)

	// NativeAddress converts a 20-byte account to native text.
	NativeAddress(addr common.Address) string

	// BuildDomain assembles a signing domain for contract on chainID.
	BuildDomain(name, version, contract string, chainID *big.Int) (Domain, error)

	// EncodeStruct returns 0x19 0x01 || domainSeparator || hashStruct(s), the
	// exact bytes that are hashed and signed.
	EncodeStruct(domain Domain, s TypedStruct) ([]byte, error)

	// Decimals returns the decimals of asset on network.
	Decimals(network, asset string) int
}

// ForNetwork returns the adapter of a network's chain family.
func ForNetwork(network string, tokens *x402.TokenRegistry) (Adapter, error) {
	t, err := x402.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	switch t {
	case x402.NetworkTypeEVM:
		return NewEVM(tokens), nil
	case x402.NetworkTypeTRON:
		return NewTron(tokens), nil
	}
	return nil, fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
}

var (
	_ Adapter = (*EVM)(nil)
	_ Adapter = (*Tron)(nil)
)

// EVM is the Adapter of eip155 networks.
type EVM struct {
	conv   address.EVM
	tokens *x402.TokenRegistry
}

// NewEVM returns an EVM adapter. tokens may be nil.
func NewEVM(tokens *x402.TokenRegistry) *EVM {
	return &EVM{tokens: tokens}
}

// Type implements Adapter.
func (a *EVM) Type() x402.NetworkType { return x402.NetworkTypeEVM }

// ValidNetwork implements Adapter.
func (a *EVM) ValidNetwork(network string) bool {
	t, err := x402.ValidateNetwork(network)
	return err == nil && t == x402.NetworkTypeEVM
}

// ChainID implements Adapter.
func (a *EVM) ChainID(network string) (*big.Int, error) {
	if !a.ValidNetwork(network) {
		return nil, fmt.Errorf("%w: %s is not an evm network", x402.ErrInvalidNetwork, network)
	}
	return x402.ChainIDOf(network)
}

// Converter implements Adapter.
func (a *EVM) Converter() address.Converter { return a.conv }

// SigningAddress implements Adapter.
func (a *EVM) SigningAddress(native string) (common.Address, error) {
	raw, err := a.conv.ToCanonical(native)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}

// NativeAddress implements Adapter.
func (a *EVM) NativeAddress(addr common.Address) string {
	s, _ := a.conv.ToNative(addr.Bytes())
	return s
}

// BuildDomain implements Adapter.
func (a *EVM) BuildDomain(name, version, contract string, chainID *big.Int) (Domain, error) {
	return buildDomain(a, name, version, contract, chainID)
}

// EncodeStruct implements Adapter.
func (a *EVM) EncodeStruct(domain Domain, s TypedStruct) ([]byte, error) {
	return encodeTypedData(domain, s, a.SigningAddress)
}

// Decimals implements Adapter.
func (a *EVM) Decimals(network, asset string) int {
	return decimals(a.tokens, network, asset, 18)
}

// Tron is the Adapter of TRON networks. Typed data follows TIP-712, which is
// EIP-712 with addresses reduced to their 20-byte account.
type Tron struct {
	conv   address.Tron
	tokens *x402.TokenRegistry
}

// NewTron returns a TRON adapter. tokens may be nil.
func NewTron(tokens *x402.TokenRegistry) *Tron {
	return &Tron{tokens: tokens}
}

// Type implements Adapter.
func (a *Tron) Type() x402.NetworkType { return x402.NetworkTypeTRON }

// ValidNetwork implements Adapter.
func (a *Tron) ValidNetwork(network string) bool {
	t, err := x402.ValidateNetwork(network)
	return err == nil && t == x402.NetworkTypeTRON
}

// ChainID implements Adapter.
func (a *Tron) ChainID(network string) (*big.Int, error) {
	if !a.ValidNetwork(network) {
		return nil, fmt.Errorf("%w: %s is not a tron network", x402.ErrInvalidNetwork, network)
	}
	return x402.ChainIDOf(network)
}

// Converter implements Adapter.
func (a *Tron) Converter() address.Converter { return a.conv }

// SigningAddress implements Adapter.
func (a *Tron) SigningAddress(native string) (common.Address, error) {
	raw, err := a.conv.ToCanonical(native)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw[1:]), nil
}

// NativeAddress implements Adapter.
func (a *Tron) NativeAddress(addr common.Address) string {
	return address.EVMToTron(addr)
}

// BuildDomain implements Adapter.
func (a *Tron) BuildDomain(name, version, contract string, chainID *big.Int) (Domain, error) {
	return buildDomain(a, name, version, contract, chainID)
}

// EncodeStruct implements Adapter.
func (a *Tron) EncodeStruct(domain Domain, s TypedStruct) ([]byte, error) {
	return encodeTypedData(domain, s, a.SigningAddress)
}

// Decimals implements Adapter.
func (a *Tron) Decimals(network, asset string) int {
	return decimals(a.tokens, network, asset, 6)
}

func buildDomain(a Adapter, name, version, contract string, chainID *big.Int) (Domain, error) {
	if name == "" {
		return Domain{}, fmt.Errorf("domain name is required")
	}
	if version == "" {
		version = "1"
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return Domain{}, fmt.Errorf("domain chain id must be positive")
	}
	if !a.Converter().IsValidFormat(contract) {
		return Domain{}, x402.Errorf(x402.ErrCodeInvalidAddressFormat, "verifying contract %q", contract)
	}
	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: contract,
	}, nil
}

func decimals(tokens *x402.TokenRegistry, network, asset string, fallback int) int {
	if tokens != nil {
		if t, ok := tokens.Lookup(network, asset); ok {
			return t.Decimals
		}
	}
	return fallback
}
