// Package settlement holds the facilitator's settlement state: the claim table
// that serializes settlement per authorization and the store that remembers
// outcomes.
package settlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bankofai/x402-go"
)

// State is the persisted state of a settlement.
type State string

const (
	// StatePending means a transaction was submitted but its confirmation was
	// not observed before the timeout.
	StatePending State = "pending"

	// StateSettled means every call of the scheme confirmed successfully.
	StateSettled State = "settled"

	// StateFailed means a call reverted. The authorization is spent or unusable.
	StateFailed State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// Record is the stored outcome of one authorization.
type Record struct {
	Key   string `json:"key"`
	State State  `json:"state"`

	// Response is returned as is for terminal records.
	Response x402.SettleResponse `json:"response"`

	// Transactions holds the hash of every submitted call, in order.
	Transactions []string `json:"transactions,omitempty"`

	// Step is the index of the first call not yet confirmed. For a pending
	// record Transactions[Step] is the unconfirmed transaction.
	Step int `json:"step"`

	// Binding is a digest of the signed authorization and requirement the
	// record was created for. Only a payload with the same digest may read or
	// resume it.
	Binding string `json:"binding,omitempty"`

	// Replaced holds transactions of the current step that the node stopped
	// knowing and that were submitted again.
	Replaced []string `json:"replaced,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PendingTx returns the unconfirmed transaction of a pending record.
func (r *Record) PendingTx() (string, bool) {
	if r.State != StatePending || r.Step < 0 || r.Step >= len(r.Transactions) {
		return "", false
	}
	return r.Transactions[r.Step], true
}

// Store persists settlement records.
type Store interface {
	// Get returns the record for key, or nil if none exists or it expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Save inserts or replaces the record for record.Key.
	Save(ctx context.Context, record Record) error
}

// Key is the replay-protection key of an authorization. Addresses must be in
// normalized native form so different spellings of one account collide.
func Key(network, from, asset, nonce string) string {
	return strings.Join([]string{network, from, asset, strings.ToLower(nonce)}, "|")
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	rec.Transactions = append([]string(nil), rec.Transactions...)
	rec.Replaced = append([]string(nil), rec.Replaced...)
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.Transactions = append([]string(nil), record.Transactions...)
	record.Replaced = append([]string(nil), record.Replaced...)
	m.data[record.Key] = record
	return nil
}

// Prune drops expired records and returns how many were removed.
func (m *MemoryStore) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, rec := range m.data {
		if now.After(rec.ExpiresAt) {
			delete(m.data, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
