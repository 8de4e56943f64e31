package settlement

import (
	"context"
	"sync"

	"github.com/bankofai/x402-go"
)

// Policy decides what a settle call does when another call holds the claim.
type Policy int

const (
	// PolicyWait blocks until the holder finishes and shares its result.
	PolicyWait Policy = iota

	// PolicyReject fails fast with claim_conflict.
	PolicyReject
)

// ClaimTable grants at most one in-flight settlement per key.
type ClaimTable struct {
	mu     sync.Mutex
	claims map[string]*Claim
}

// NewClaimTable returns an empty table.
func NewClaimTable() *ClaimTable {
	return &ClaimTable{claims: make(map[string]*Claim)}
}

// Claim is held by the single settle call allowed to submit for a key.
type Claim struct {
	table  *ClaimTable
	key    string
	done   chan struct{}
	once   sync.Once
	result *x402.SettleResponse
}

// Acquire takes the claim for key. Exactly one of the returned claim and
// result is non-nil when err is nil: the claim when the caller must settle,
// the result when a holder finished with a terminal outcome while the caller
// waited. A holder that releases without a result lets a waiter retry.
func (t *ClaimTable) Acquire(ctx context.Context, key string, policy Policy) (*Claim, *x402.SettleResponse, error) {
	for {
		t.mu.Lock()
		held, busy := t.claims[key]
		if !busy {
			c := &Claim{table: t, key: key, done: make(chan struct{})}
			t.claims[key] = c
			t.mu.Unlock()
			return c, nil, nil
		}
		t.mu.Unlock()

		if policy == PolicyReject {
			return nil, nil, x402.Errorf(x402.ErrCodeClaimConflict, "settlement for %s is in progress", key)
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-held.done:
		}
		if held.result != nil {
			res := *held.result
			return nil, &res, nil
		}
	}
}

// Held reports whether key is currently claimed.
func (t *ClaimTable) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.claims[key]
	return ok
}

// Release frees the claim and hands result to waiters. A nil result tells
// waiters to retry. Release is idempotent.
func (c *Claim) Release(result *x402.SettleResponse) {
	c.once.Do(func() {
		if result != nil {
			res := *result
			c.result = &res
		}
		c.table.mu.Lock()
		delete(c.table.claims, c.key)
		c.table.mu.Unlock()
		close(c.done)
	})
}

// Key returns the claimed key.
func (c *Claim) Key() string {
	return c.key
}
