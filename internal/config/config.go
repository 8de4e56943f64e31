// Package config loads the facilitator service settings from the environment.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/validation"
)

// Network is one chain the facilitator settles on. RPCURL is required for
// EVM networks; TRON networks fall back to the public full node.
type Network struct {
	ID     string `validate:"required"`
	RPCURL string `validate:"omitempty,url"`
}

// Config is the facilitator service configuration.
type Config struct {
	ListenAddr string `validate:"required"`
	LogLevel   string `validate:"oneof=debug info warn error"`

	Networks []Network `validate:"min=1,dive"`

	EVMPrivateKey  string
	TronPrivateKey string
	TronAPIKey     string
	TronFeeLimit   int64 `validate:"gte=0"`

	// DatabaseURL selects the Postgres settlement store. Empty means in-memory.
	DatabaseURL string

	// JWTSecret enables bearer-token authentication on the API routes.
	JWTSecret string `validate:"omitempty,min=32"`
	JWTIssuer string `validate:"required_with=JWTSecret"`

	FeeTo          string
	BaseFees       map[string]*big.Int
	TokenAllowList bool

	SettleTimeout   time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	PruneInterval   time.Duration `validate:"gte=0"`
}

// Load reads the X402_* environment variables, applies defaults and validates.
func Load() (*Config, error) {
	networks, err := parseNetworks(envOr("X402_NETWORKS", x402.NetworkTronNile))
	if err != nil {
		return nil, fmt.Errorf("X402_NETWORKS: %w", err)
	}
	fees, err := parseFees(envOr("X402_BASE_FEES", ""))
	if err != nil {
		return nil, fmt.Errorf("X402_BASE_FEES: %w", err)
	}

	cfg := &Config{
		ListenAddr:      envOr("X402_LISTEN_ADDR", ":8402"),
		LogLevel:        envOr("X402_LOG_LEVEL", "info"),
		Networks:        networks,
		EVMPrivateKey:   envOr("X402_EVM_PRIVATE_KEY", ""),
		TronPrivateKey:  envOr("X402_TRON_PRIVATE_KEY", ""),
		TronAPIKey:      envOr("TRON_PRO_API_KEY", ""),
		TronFeeLimit:    int64(envOrInt("X402_TRON_FEE_LIMIT", 100_000_000)),
		DatabaseURL:     envOr("DATABASE_URL", ""),
		JWTSecret:       envOr("X402_JWT_SECRET", ""),
		JWTIssuer:       envOr("X402_JWT_ISSUER", "x402-facilitator"),
		FeeTo:           envOr("X402_FEE_TO", ""),
		BaseFees:        fees,
		TokenAllowList:  envOrBool("X402_TOKEN_ALLOWLIST", false),
		SettleTimeout:   envOrDuration("X402_SETTLE_TIMEOUT", x402.DefaultTimeouts.SettleTimeout),
		ShutdownTimeout: envOrDuration("X402_SHUTDOWN_TIMEOUT", 15*time.Second),
		PruneInterval:   envOrDuration("X402_PRUNE_INTERVAL", 10*time.Minute),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field rules, then that every network is known and has the
// key and endpoint its chain type needs.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool)
	for _, n := range c.Networks {
		if seen[n.ID] {
			return fmt.Errorf("invalid config: network %s listed twice", n.ID)
		}
		seen[n.ID] = true

		kind, err := x402.ValidateNetwork(n.ID)
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		switch kind {
		case x402.NetworkTypeEVM:
			if c.EVMPrivateKey == "" {
				return fmt.Errorf("invalid config: %s needs X402_EVM_PRIVATE_KEY", n.ID)
			}
			if n.RPCURL == "" {
				return fmt.Errorf("invalid config: %s needs an RPC URL", n.ID)
			}
		case x402.NetworkTypeTRON:
			if c.TronPrivateKey == "" {
				return fmt.Errorf("invalid config: %s needs X402_TRON_PRIVATE_KEY", n.ID)
			}
		}
	}
	return nil
}

// parseNetworks reads "id[=rpcURL],..." such as
// "tron:nile,eip155:97=https://data-seed-prebsc-1-s1.bnbchain.org:8545".
func parseNetworks(raw string) ([]Network, error) {
	var out []Network
	for item := range strings.SplitSeq(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, url, _ := strings.Cut(item, "=")
		out = append(out, Network{ID: strings.TrimSpace(id), RPCURL: strings.TrimSpace(url)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no networks")
	}
	return out, nil
}

// parseFees reads "SYMBOL=baseUnits,..." such as "USDT=10000,USDD=1000000000000000".
func parseFees(raw string) (map[string]*big.Int, error) {
	fees := make(map[string]*big.Int)
	for item := range strings.SplitSeq(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		symbol, amount, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("%q is not SYMBOL=amount", item)
		}
		fee, ok := x402.ParseBigInt(strings.TrimSpace(amount))
		if !ok {
			return nil, fmt.Errorf("%q: invalid amount", item)
		}
		fees[strings.ToUpper(strings.TrimSpace(symbol))] = fee
	}
	return fees, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
