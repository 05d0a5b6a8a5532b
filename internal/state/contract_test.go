package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// exerciseStoreContract runs backend-independent checks against one store.
// Keys are namespaced by prefix so integration backends can share a server.
func exerciseStoreContract(t *testing.T, store Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	counter := prefix + "counter/c_logs/db_errors"
	global := prefix + "budget/global"
	perRule := prefix + "budget/rule/db_errors"

	count, err := store.RecordHits(ctx, counter, base, 2, 240*time.Second)
	if err != nil {
		t.Fatalf("record hits: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	count, err = store.RecordHits(ctx, counter, base.Add(241*time.Second), 1, 240*time.Second)
	if err != nil {
		t.Fatalf("record hits after window: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected stale hits to be pruned, got %d", count)
	}
	if err := store.ClearCounter(ctx, counter); err != nil {
		t.Fatalf("clear counter: %v", err)
	}
	count, err = store.RecordHits(ctx, counter, base.Add(242*time.Second), 1, 240*time.Second)
	if err != nil {
		t.Fatalf("record hits after clear: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1 after clear, got %d", count)
	}

	claims := []Claim{
		{Key: perRule, Window: 300 * time.Second, Limit: 1},
		{Key: global, Window: 300 * time.Second, Limit: 2},
	}
	verdict, err := store.Reserve(ctx, claims, "tok-1", base)
	if err != nil || verdict != VerdictGranted {
		t.Fatalf("expected granted reservation, got %q err=%v", verdict, err)
	}
	verdict, err = store.Reserve(ctx, claims, "tok-2", base.Add(time.Second))
	if err != nil || verdict != VerdictDenied {
		t.Fatalf("expected denied reservation, got %q err=%v", verdict, err)
	}
	// Denied reservation must not leak a slot into the global budget.
	verdict, err = store.Reserve(ctx, claims[1:], "tok-3", base.Add(2*time.Second))
	if err != nil || verdict != VerdictGranted {
		t.Fatalf("expected second global slot, got %q err=%v", verdict, err)
	}
	if err := store.Rollback(ctx, ClaimKeys(claims), "tok-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := store.Rollback(ctx, ClaimKeys(claims), "tok-1"); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	verdict, err = store.Reserve(ctx, claims, "tok-4", base.Add(3*time.Second))
	if err != nil || verdict != VerdictGranted {
		t.Fatalf("expected granted after rollback, got %q err=%v", verdict, err)
	}
	verdict, err = store.Reserve(ctx, claims, "tok-5", base.Add(304*time.Second))
	if err != nil || verdict != VerdictGranted {
		t.Fatalf("expected granted after budget window, got %q err=%v", verdict, err)
	}

	if err := store.SetMuted(ctx, true); err != nil {
		t.Fatalf("set muted: %v", err)
	}
	muted, err := store.Muted(ctx)
	if err != nil || !muted {
		t.Fatalf("expected muted, got %v err=%v", muted, err)
	}
	verdict, err = store.Reserve(ctx, claims[1:], "tok-6", base.Add(time.Hour))
	if err != nil || verdict != VerdictMuted {
		t.Fatalf("expected muted verdict, got %q err=%v", verdict, err)
	}
	if err := store.SetMuted(ctx, false); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	verdict, err = store.Reserve(ctx, claims, "tok-7", base.Add(305*time.Second))
	if err != nil || verdict != VerdictGranted {
		t.Fatalf("expected granted after clear all, got %q err=%v", verdict, err)
	}

	first, err := store.MarkSeen(ctx, prefix+"Ev01", time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first sighting, got %v err=%v", first, err)
	}
	first, err = store.MarkSeen(ctx, prefix+"Ev01", time.Minute)
	if err != nil || first {
		t.Fatalf("expected duplicate sighting, got %v err=%v", first, err)
	}
}

// exerciseConcurrentReserve checks that concurrent reservations never exceed limit.
func exerciseConcurrentReserve(t *testing.T, store Store, prefix string, workers, limit int) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC()
	claims := []Claim{{Key: prefix + "budget/global", Window: time.Minute, Limit: limit}}

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdict, err := store.Reserve(ctx, claims, fmt.Sprintf("tok-%d", i), at)
			if err != nil {
				t.Errorf("reserve %d: %v", i, err)
				return
			}
			if verdict == VerdictGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if granted != limit {
		t.Fatalf("expected exactly %d granted reservations, got %d", limit, granted)
	}
}
