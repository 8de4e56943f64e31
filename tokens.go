package x402

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// TokenInfo describes a token on one network.
type TokenInfo struct {
	// Address is the token contract address in the network's native text form.
	Address string

	// Symbol is the ticker, e.g. "USDT".
	Symbol string

	// Decimals is the number of decimal places of the base unit.
	Decimals int

	// Name and Version are the token's typed-data domain fields.
	Name    string
	Version string
}

// TokenRegistry maps networks to their known tokens. It doubles as the
// facilitator's asset allow-list. Safe for concurrent use.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]map[string]TokenInfo
}

// NewTokenRegistry returns an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]map[string]TokenInfo)}
}

// DefaultTokenRegistry returns a registry populated with the stablecoins of the
// predefined TRON and BSC networks.
func DefaultTokenRegistry() *TokenRegistry {
	r := NewTokenRegistry()
	usdt := func(addr string, decimals int) TokenInfo {
		return TokenInfo{Address: addr, Symbol: "USDT", Decimals: decimals, Name: "Tether USD", Version: "1"}
	}
	usdc := func(addr string) TokenInfo {
		return TokenInfo{Address: addr, Symbol: "USDC", Decimals: 18, Name: "USD Coin", Version: "1"}
	}
	usdd := func(addr string) TokenInfo {
		return TokenInfo{Address: addr, Symbol: "USDD", Decimals: 18, Name: "Decentralized USD", Version: "1"}
	}

	r.Register(NetworkTronMainnet, usdt("TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", 6))
	r.Register(NetworkTronMainnet, usdd("TXDk8mbtRbXeYuMNS83CfKPaYYT8XWv9Hz"))
	r.Register(NetworkTronShasta, usdt("TG3XXyExBkPp9nzdajDZsozEu4BkaSJozs", 6))
	r.Register(NetworkTronNile, usdt("TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf", 6))
	r.Register(NetworkTronNile, usdd("TGjgvdTWWrybVLaVeFqSyVqJQWjxqRYbaK"))
	r.Register(NetworkBSC, usdt("0x55d398326f99059fF775485246999027B3197955", 18))
	r.Register(NetworkBSC, usdc("0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"))
	r.Register(NetworkBSCTestnet, usdt("0x337610d27c682E347C9cD60BD4b3b107C9d34dDd", 18))
	r.Register(NetworkBSCTestnet, usdc("0x64544969ed7EBf5f083679233325356EbE738930"))
	return r
}

// Register adds or replaces a token. Symbols are case-insensitive.
func (r *TokenRegistry) Register(network string, token TokenInfo) {
	if token.Version == "" {
		token.Version = "1"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[network] == nil {
		r.tokens[network] = make(map[string]TokenInfo)
	}
	r.tokens[network][strings.ToUpper(token.Symbol)] = token
}

// FindBySymbol returns the token with the given symbol on network.
func (r *TokenRegistry) FindBySymbol(network, symbol string) (TokenInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[network][strings.ToUpper(symbol)]
	return t, ok
}

// Lookup returns the token at address on network. EVM addresses compare
// case-insensitively, TRON base58 addresses exactly.
func (r *TokenRegistry) Lookup(network, address string) (TokenInfo, bool) {
	evm := strings.HasPrefix(network, "eip155:")
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tokens[network] {
		if t.Address == address || (evm && strings.EqualFold(t.Address, address)) {
			return t, true
		}
	}
	return TokenInfo{}, false
}

// Allowed reports whether asset is registered on network.
func (r *TokenRegistry) Allowed(network, asset string) bool {
	_, ok := r.Lookup(network, asset)
	return ok
}

// Tokens returns the tokens of a network sorted by symbol.
func (r *TokenRegistry) Tokens(network string) []TokenInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TokenInfo, 0, len(r.tokens[network]))
	for _, t := range r.tokens[network] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Networks returns every network with at least one token, sorted.
func (r *TokenRegistry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tokens))
	for n := range r.tokens {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ParsePrice parses "<amount> <SYMBOL>" into the token and its base-unit amount.
func (r *TokenRegistry) ParsePrice(network, price string) (TokenInfo, *big.Int, error) {
	fields := strings.Fields(price)
	if len(fields) != 2 {
		return TokenInfo{}, nil, fmt.Errorf("%w: price %q must be \"<amount> <symbol>\"", ErrInvalidAmount, price)
	}
	token, ok := r.FindBySymbol(network, fields[1])
	if !ok {
		return TokenInfo{}, nil, fmt.Errorf("%w: %s on %s", ErrInvalidToken, fields[1], network)
	}
	amount, err := AmountToBigInt(fields[0], token.Decimals)
	if err != nil {
		return TokenInfo{}, nil, err
	}
	return token, amount, nil
}
