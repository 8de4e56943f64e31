package mechanism

import (
	"time"

	"github.com/bankofai/x402-go"
	"github.com/bankofai/x402-go/chain"
)

// ServerMechanism checks payloads against requirements without chain access.
// It never checks signatures or nonces; that is the facilitator's job.
type ServerMechanism struct {
	variant variant
	adapter chain.Adapter
	clock   func() time.Time
}

// ServerOption configures a ServerMechanism.
type ServerOption func(*ServerMechanism)

// WithServerClock overrides the time source.
func WithServerClock(clock func() time.Time) ServerOption {
	return func(m *ServerMechanism) {
		m.clock = clock
	}
}

// NewServerMechanism creates a server mechanism for scheme on adapter.
func NewServerMechanism(scheme x402.Scheme, adapter chain.Adapter, opts ...ServerOption) (*ServerMechanism, error) {
	v, err := newVariant(scheme)
	if err != nil {
		return nil, err
	}
	m := &ServerMechanism{variant: v, adapter: adapter, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Scheme returns the mechanism's scheme.
func (m *ServerMechanism) Scheme() x402.Scheme {
	return m.variant.scheme()
}

// Validate returns nil when payload satisfies req, otherwise a *x402.PaymentError
// carrying the first failed check's code.
func (m *ServerMechanism) Validate(payload x402.PaymentPayload, req x402.PaymentRequirements) error {
	return checkPayload(m.variant, m.adapter, m.clock(), &payload, &req)
}

// Verify is Validate in response form.
func (m *ServerMechanism) Verify(payload x402.PaymentPayload, req x402.PaymentRequirements) *x402.VerifyResponse {
	if err := m.Validate(payload, req); err != nil {
		return invalid(err, payload.Payer())
	}
	return &x402.VerifyResponse{IsValid: true, Payer: payload.Payer()}
}

// Servers dispatches payload checks to the ServerMechanism registered for the
// requirement's (network, scheme).
type Servers struct {
	mechanisms map[string]*ServerMechanism
}

// NewServers builds server mechanisms for every scheme on each network.
func NewServers(tokens *x402.TokenRegistry, networks []string, opts ...ServerOption) (*Servers, error) {
	s := &Servers{mechanisms: make(map[string]*ServerMechanism)}
	for _, network := range networks {
		adapter, err := chain.ForNetwork(network, tokens)
		if err != nil {
			return nil, err
		}
		for _, scheme := range x402.Schemes {
			m, err := NewServerMechanism(scheme, adapter, opts...)
			if err != nil {
				return nil, err
			}
			s.mechanisms[kindKey(network, scheme)] = m
		}
	}
	return s, nil
}

// Validate checks payload with the mechanism for req, returning
// unsupported_scheme when none is registered.
func (s *Servers) Validate(payload x402.PaymentPayload, req x402.PaymentRequirements) error {
	m, ok := s.mechanisms[kindKey(req.Network, req.Scheme)]
	if !ok {
		return x402.Errorf(x402.ErrCodeUnsupportedScheme, "no server mechanism for %s on %s", req.Scheme, req.Network)
	}
	return m.Validate(payload, req)
}

func kindKey(network string, scheme x402.Scheme) string {
	return network + "/" + string(scheme)
}
