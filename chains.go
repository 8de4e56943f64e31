// Package x402 holds the shared data model of the x402 payment protocol: payment
// requirements and payloads, verify and settle results, reason codes, networks,
// tokens and the signer capabilities the mechanisms depend on.
package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// NetworkType represents the chain family of a network.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents EVM chains identified as "eip155:<chainId>".
	NetworkTypeEVM
	// NetworkTypeTRON represents TRON networks identified as "tron:<name>".
	NetworkTypeTRON
)

func (t NetworkType) String() string {
	switch t {
	case NetworkTypeEVM:
		return "evm"
	case NetworkTypeTRON:
		return "tron"
	}
	return "unknown"
}

// Network identifiers.
const (
	NetworkEthereum    = "eip155:1"
	NetworkSepolia     = "eip155:11155111"
	NetworkBSC         = "eip155:56"
	NetworkBSCTestnet  = "eip155:97"
	NetworkTronMainnet = "tron:mainnet"
	NetworkTronShasta  = "tron:shasta"
	NetworkTronNile    = "tron:nile"
)

// ChainConfig describes a known network.
type ChainConfig struct {
	// NetworkID is the x402 network identifier.
	NetworkID string

	// ChainID is the numeric chain identifier used in typed-data domains.
	ChainID int64

	// Type is the chain family.
	Type NetworkType
}

var (
	EthereumMainnet = ChainConfig{NetworkID: NetworkEthereum, ChainID: 1, Type: NetworkTypeEVM}
	Sepolia         = ChainConfig{NetworkID: NetworkSepolia, ChainID: 11155111, Type: NetworkTypeEVM}
	BSCMainnet      = ChainConfig{NetworkID: NetworkBSC, ChainID: 56, Type: NetworkTypeEVM}
	BSCTestnet      = ChainConfig{NetworkID: NetworkBSCTestnet, ChainID: 97, Type: NetworkTypeEVM}

	// TRON chain IDs are the low four bytes of each network's genesis block hash.
	TronMainnet = ChainConfig{NetworkID: NetworkTronMainnet, ChainID: 728126428, Type: NetworkTypeTRON}
	TronShasta  = ChainConfig{NetworkID: NetworkTronShasta, ChainID: 2494104990, Type: NetworkTypeTRON}
	TronNile    = ChainConfig{NetworkID: NetworkTronNile, ChainID: 3448148188, Type: NetworkTypeTRON}
)

// KnownChains lists the predefined networks.
var KnownChains = []ChainConfig{EthereumMainnet, Sepolia, BSCMainnet, BSCTestnet, TronMainnet, TronShasta, TronNile}

var tronChains = map[string]ChainConfig{
	NetworkTronMainnet: TronMainnet,
	NetworkTronShasta:  TronShasta,
	NetworkTronNile:    TronNile,
}

// ValidateNetwork validates a network identifier and returns its type.
// Any "eip155:<positive integer>" is accepted; TRON networks must be one of the
// known names.
func ValidateNetwork(networkID string) (NetworkType, error) {
	if networkID == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: empty network", ErrInvalidNetwork)
	}
	switch {
	case strings.HasPrefix(networkID, "eip155:"):
		if _, err := ChainIDOf(networkID); err != nil {
			return NetworkTypeUnknown, err
		}
		return NetworkTypeEVM, nil
	case strings.HasPrefix(networkID, "tron:"):
		if _, ok := tronChains[networkID]; !ok {
			return NetworkTypeUnknown, fmt.Errorf("%w: %s", ErrInvalidNetwork, networkID)
		}
		return NetworkTypeTRON, nil
	}
	return NetworkTypeUnknown, fmt.Errorf("%w: %s", ErrInvalidNetwork, networkID)
}

// ChainIDOf returns the numeric chain ID of a network.
func ChainIDOf(networkID string) (*big.Int, error) {
	if cfg, ok := tronChains[networkID]; ok {
		return big.NewInt(cfg.ChainID), nil
	}
	raw, ok := strings.CutPrefix(networkID, "eip155:")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNetwork, networkID)
	}
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bad chain id in %s", ErrInvalidNetwork, networkID)
	}
	return id, nil
}

// RequirementConfig is the input to NewPaymentRequirement.
type RequirementConfig struct {
	// Network is the network identifier (required).
	Network string

	// Price is a human-readable price such as "1.5 USDT" (required).
	Price string

	// PayTo is the recipient address (required).
	PayTo string

	// Scheme defaults to exact.
	Scheme Scheme

	// MaxTimeoutSeconds defaults to DefaultMaxTimeoutSeconds.
	MaxTimeoutSeconds int

	// MimeType defaults to application/json.
	MimeType string

	// Registry defaults to DefaultTokenRegistry().
	Registry *TokenRegistry
}

// NewPaymentRequirement builds requirements from a human-readable price, filling
// the signing domain from the token registry.
//
// Returns an error if validation fails. Error format: "parameterName: reason"
func NewPaymentRequirement(config RequirementConfig) (PaymentRequirements, error) {
	if config.PayTo == "" {
		return PaymentRequirements{}, fmt.Errorf("payTo: cannot be empty")
	}
	if _, err := ValidateNetwork(config.Network); err != nil {
		return PaymentRequirements{}, fmt.Errorf("network: %w", err)
	}

	registry := config.Registry
	if registry == nil {
		registry = DefaultTokenRegistry()
	}
	token, amount, err := registry.ParsePrice(config.Network, config.Price)
	if err != nil {
		return PaymentRequirements{}, fmt.Errorf("price: %w", err)
	}

	scheme := config.Scheme
	if scheme == "" {
		scheme = SchemeExact
	}
	if !scheme.Valid() {
		return PaymentRequirements{}, fmt.Errorf("scheme: unsupported %q", scheme)
	}
	maxTimeout := config.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = DefaultMaxTimeoutSeconds
	}
	mimeType := config.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	return PaymentRequirements{
		Scheme:            scheme,
		Network:           config.Network,
		Amount:            amount.String(),
		Asset:             token.Address,
		PayTo:             config.PayTo,
		MimeType:          mimeType,
		MaxTimeoutSeconds: maxTimeout,
		Extra: &RequirementsExtra{
			Name:    token.Name,
			Version: token.Version,
		},
	}, nil
}
