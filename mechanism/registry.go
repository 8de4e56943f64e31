package mechanism

import (
	"context"
	"math/big"
	"sort"
	"strings"

	"github.com/bankofai/x402-go"
)

// Client picks a payable requirement from a 402 response and signs it with
// the matching ClientMechanism.
//
// Candidates are ranked by:
// 1. mechanism priority (lower number first)
// 2. registration order
// 3. order in the server's accepts list
type Client struct {
	entries   []clientEntry
	maxAmount map[string]*big.Int
}

type clientEntry struct {
	mechanism *ClientMechanism
	priority  int
}

// ClientRegistryOption configures a Client.
type ClientRegistryOption func(*Client)

// WithMaxAmount refuses to pay more than max base units of asset. An empty
// asset applies to every asset without its own limit.
func WithMaxAmount(asset string, max *big.Int) ClientRegistryOption {
	return func(c *Client) {
		c.maxAmount[strings.ToLower(asset)] = new(big.Int).Set(max)
	}
}

// NewClient returns an empty registry.
func NewClient(opts ...ClientRegistryOption) *Client {
	c := &Client{maxAmount: make(map[string]*big.Int)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a mechanism with a priority. Lower numbers are preferred.
func (c *Client) Register(m *ClientMechanism, priority int) *Client {
	c.entries = append(c.entries, clientEntry{mechanism: m, priority: priority})
	return c
}

// Mechanisms returns the registered mechanisms in registration order.
func (c *Client) Mechanisms() []*ClientMechanism {
	out := make([]*ClientMechanism, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.mechanism
	}
	return out
}

type candidate struct {
	req      x402.PaymentRequirements
	mech     *ClientMechanism
	priority int
	entry    int
	position int
}

// Select returns the preferred requirement and the mechanism that pays it.
func (c *Client) Select(accepts []x402.PaymentRequirements) (x402.PaymentRequirements, *ClientMechanism, error) {
	var candidates []candidate
	for pos, req := range accepts {
		if !c.withinLimit(req) {
			continue
		}
		for i, e := range c.entries {
			if e.mechanism.CanPay(req) {
				candidates = append(candidates, candidate{req: req, mech: e.mechanism, priority: e.priority, entry: i, position: pos})
			}
		}
	}

	if len(candidates) == 0 {
		return x402.PaymentRequirements{}, nil, x402.Errorf(x402.ErrCodeNoMatchingRequirement, "no registered mechanism can pay any of %d requirements", len(accepts)).
			WithDetails("accepts", len(accepts))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		if candidates[i].entry != candidates[j].entry {
			return candidates[i].entry < candidates[j].entry
		}
		return candidates[i].position < candidates[j].position
	})

	best := candidates[0]
	return best.req, best.mech, nil
}

// CreatePayment selects a requirement and signs a payload for it.
func (c *Client) CreatePayment(ctx context.Context, accepts []x402.PaymentRequirements) (*x402.PaymentPayload, *x402.PaymentRequirements, error) {
	req, mech, err := c.Select(accepts)
	if err != nil {
		return nil, nil, err
	}
	payload, err := mech.CreatePayload(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return payload, &req, nil
}

func (c *Client) withinLimit(req x402.PaymentRequirements) bool {
	limit, ok := c.maxAmount[strings.ToLower(req.Asset)]
	if !ok {
		limit, ok = c.maxAmount[""]
	}
	if !ok {
		return true
	}
	amount, ok := req.AmountInt()
	if !ok {
		return false
	}
	return amount.Cmp(limit) <= 0
}
