package facilitator

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// DefaultTokenTTL is the lifetime of issued API tokens.
const DefaultTokenTTL = 5 * time.Minute

// ErrUnauthorized is returned for a missing, malformed, expired or foreign token.
var ErrUnauthorized = errors.New("x402: unauthorized")

// TokenAuth issues and checks HS256 bearer tokens for the facilitator API.
// It is safe for concurrent use.
type TokenAuth struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// NewTokenAuth creates a TokenAuth. The secret must be at least 32 bytes.
func NewTokenAuth(secret []byte, issuer string) (*TokenAuth, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenAuth{secret: secret, issuer: issuer, ttl: DefaultTokenTTL, clock: time.Now}, nil
}

// Issue returns a token for subject valid for the configured TTL.
func (a *TokenAuth) Issue(subject string) (string, error) {
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: a.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	now := a.clock()
	claims := jwt.Claims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}

// Check validates token and returns its subject.
func (a *TokenAuth) Check(token string) (string, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	for _, h := range parsed.Headers {
		if h.Algorithm != string(jose.HS256) {
			return "", fmt.Errorf("%w: unexpected algorithm %s", ErrUnauthorized, h.Algorithm)
		}
	}

	var claims jwt.Claims
	if err := parsed.Claims(a.secret, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: a.issuer, Time: a.clock()}, jwt.DefaultLeeway); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims.Subject, nil
}
