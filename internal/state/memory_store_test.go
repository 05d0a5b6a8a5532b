package state

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()

	exerciseStoreContract(t, NewMemoryStore(time.Now), "")
}

func TestMemoryStoreConcurrentReserve(t *testing.T) {
	t.Parallel()

	exerciseConcurrentReserve(t, NewMemoryStore(time.Now), "", 64, 3)
}

func TestMemoryStoreSeenExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if first, _ := store.MarkSeen(ctx, "Ev1", 10*time.Second); !first {
		t.Fatalf("expected first sighting")
	}
	now = now.Add(5 * time.Second)
	if first, _ := store.MarkSeen(ctx, "Ev1", 10*time.Second); first {
		t.Fatalf("expected duplicate within ttl")
	}
	now = now.Add(6 * time.Second)
	if first, _ := store.MarkSeen(ctx, "Ev1", 10*time.Second); !first {
		t.Fatalf("expected id to be accepted after ttl")
	}
	if first, _ := store.MarkSeen(ctx, "", 10*time.Second); !first {
		t.Fatalf("expected empty id to bypass dedup")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	_, _ = store.RecordHits(ctx, "counter/c/r", now, 1, time.Minute)
	_, _ = store.Reserve(ctx, []Claim{{Key: "budget/global", Window: time.Minute, Limit: 1}}, "tok", now)
	_, _ = store.MarkSeen(ctx, "Ev1", time.Minute)

	removed, err := store.Sweep(ctx, now.Add(30*time.Second))
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing swept yet, got %d err=%v", removed, err)
	}
	removed, err = store.Sweep(ctx, now.Add(2*time.Minute))
	if err != nil || removed != 3 {
		t.Fatalf("expected 3 swept entries, got %d err=%v", removed, err)
	}
}
