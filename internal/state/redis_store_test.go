package state

import (
	"context"
	"testing"

	"chatwatch/internal/config"
	"chatwatch/test/testutil"
)

func TestRedisStoreContractIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	addr := testutil.StartLocalRedisServer(t)

	store, err := NewRedisStore(config.RedisStateConfig{Addr: addr}, "chatwatch_test")
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	defer store.Close()

	exerciseStoreContract(t, store, "")
	exerciseConcurrentReserve(t, store, "conc/", 32, 2)

	if err := store.ClearAll(context.Background()); err != nil {
		t.Fatalf("clear all: %v", err)
	}
}
