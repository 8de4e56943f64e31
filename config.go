package x402

import (
	"errors"
	"time"
)

// TimeoutConfig bounds the facilitator round trips made on behalf of a request.
type TimeoutConfig struct {
	// VerifyTimeout bounds a verify call, which only performs read-only chain queries.
	VerifyTimeout time.Duration

	// SettleTimeout bounds transaction submission plus confirmation.
	SettleTimeout time.Duration

	// RequestTimeout bounds a whole paid request including both phases.
	RequestTimeout time.Duration
}

// DefaultTimeouts is used when no TimeoutConfig is supplied.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// Validate checks that all timeouts are positive and settlement gets at least
// as long as verification.
func (c TimeoutConfig) Validate() error {
	if c.VerifyTimeout <= 0 {
		return errors.New("x402: verify timeout must be positive")
	}
	if c.SettleTimeout <= 0 {
		return errors.New("x402: settle timeout must be positive")
	}
	if c.SettleTimeout < c.VerifyTimeout {
		return errors.New("x402: settle timeout must not be shorter than verify timeout")
	}
	return nil
}

// ClockSkewTolerance is subtracted from validAfter by clients and allowed on top of
// the validity window by servers.
const ClockSkewTolerance = 10 * time.Second

// DefaultMaxTimeoutSeconds is the validity window used when requirements leave
// MaxTimeoutSeconds unset.
const DefaultMaxTimeoutSeconds = 300
