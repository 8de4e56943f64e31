package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bankofai/x402-go"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	got, err := store.Get(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Get(missing) = %v, %v", got, err)
	}

	rec := Record{
		Key:          "k",
		State:        StateSettled,
		Response:     x402.SettleResponse{Success: true, Transaction: "0xabc"},
		Transactions: []string{"0xabc"},
		Step:         1,
		ExpiresAt:    now.Add(time.Minute),
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx, "k")
	if err != nil || got == nil {
		t.Fatalf("Get(k) = %v, %v", got, err)
	}
	if got.Response.Transaction != "0xabc" || !got.State.Terminal() {
		t.Errorf("record = %+v", got)
	}
	got.Transactions[0] = "mutated"
	again, _ := store.Get(ctx, "k")
	if again.Transactions[0] != "0xabc" {
		t.Error("Get returned shared transaction slice")
	}

	now = now.Add(2 * time.Minute)
	if got, _ := store.Get(ctx, "k"); got != nil {
		t.Errorf("expired record returned: %+v", got)
	}
	if n := store.Prune(); n != 1 || store.Len() != 0 {
		t.Errorf("Prune() = %d, Len() = %d", n, store.Len())
	}
}

func TestRecordPendingTx(t *testing.T) {
	rec := Record{State: StatePending, Transactions: []string{"0x1", "0x2"}, Step: 1}
	if tx, ok := rec.PendingTx(); !ok || tx != "0x2" {
		t.Errorf("PendingTx() = %q, %v", tx, ok)
	}
	rec.State = StateSettled
	if _, ok := rec.PendingTx(); ok {
		t.Error("settled record reported a pending transaction")
	}
	if StatePending.Terminal() {
		t.Error("pending is not terminal")
	}
}

func TestKey(t *testing.T) {
	a := Key("eip155:1", "0xabc", "0xdef", "0xAA")
	b := Key("eip155:1", "0xabc", "0xdef", "0xaa")
	if a != b {
		t.Errorf("nonce case changed the key: %q vs %q", a, b)
	}
	if a == Key("eip155:56", "0xabc", "0xdef", "0xaa") {
		t.Error("network is not part of the key")
	}
}

func TestClaimTableExclusive(t *testing.T) {
	table := NewClaimTable()
	ctx := context.Background()

	c, res, err := table.Acquire(ctx, "k", PolicyReject)
	if err != nil || c == nil || res != nil {
		t.Fatalf("Acquire() = %v, %v, %v", c, res, err)
	}
	if !table.Held("k") {
		t.Error("Held(k) = false after Acquire")
	}

	_, _, err = table.Acquire(ctx, "k", PolicyReject)
	if x402.ReasonOf(err) != x402.ErrCodeClaimConflict {
		t.Errorf("second Acquire error = %v, want claim_conflict", err)
	}

	other, _, err := table.Acquire(ctx, "other", PolicyReject)
	if err != nil || other == nil {
		t.Errorf("independent key blocked: %v", err)
	}

	c.Release(nil)
	c.Release(&x402.SettleResponse{Success: true})
	if table.Held("k") {
		t.Error("Held(k) = true after Release")
	}
}

func TestClaimTableWaitersShareResult(t *testing.T) {
	table := NewClaimTable()
	ctx := context.Background()

	holder, _, err := table.Acquire(ctx, "k", PolicyWait)
	if err != nil {
		t.Fatal(err)
	}

	const waiters = 8
	var wg sync.WaitGroup
	var shared atomic.Int32
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, res, err := table.Acquire(ctx, "k", PolicyWait)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			if c != nil {
				t.Error("waiter acquired the claim after a terminal release")
				c.Release(nil)
				return
			}
			if res.Transaction == "0xtx" {
				shared.Add(1)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	holder.Release(&x402.SettleResponse{Success: true, Transaction: "0xtx"})
	wg.Wait()

	if shared.Load() != waiters {
		t.Errorf("%d waiters got the result, want %d", shared.Load(), waiters)
	}
}

func TestClaimTableRetryAfterEmptyRelease(t *testing.T) {
	table := NewClaimTable()
	ctx := context.Background()

	holder, _, _ := table.Acquire(ctx, "k", PolicyWait)
	got := make(chan *Claim, 1)
	go func() {
		c, _, err := table.Acquire(ctx, "k", PolicyWait)
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
		got <- c
	}()

	time.Sleep(10 * time.Millisecond)
	holder.Release(nil)

	select {
	case c := <-got:
		if c == nil {
			t.Fatal("waiter did not take over the claim")
		}
		c.Release(nil)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired")
	}
}

func TestClaimTableContextCancel(t *testing.T) {
	table := NewClaimTable()
	holder, _, _ := table.Acquire(context.Background(), "k", PolicyWait)
	defer holder.Release(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := table.Acquire(ctx, "k", PolicyWait)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want deadline exceeded", err)
	}
}
