package state

import (
	"testing"
	"time"

	"chatwatch/internal/config"
	"chatwatch/test/testutil"
)

func TestNATSStoreContractIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url := testutil.StartLocalNATSServer(t)

	store, err := NewNATSStore(config.NATSStateConfig{
		URL:                []string{url},
		Bucket:             "state_test",
		SeenBucket:         "seen_test",
		AllowCreateBuckets: true,
		MaxCASRetries:      64,
	}, time.Minute)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	exerciseStoreContract(t, store, "")
	exerciseConcurrentReserve(t, store, "conc/", 16, 2)
}

func TestNATSStoreRequiresBucketsWhenCreateDisabled(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url := testutil.StartLocalNATSServer(t)

	_, err := NewNATSStore(config.NATSStateConfig{
		URL:        []string{url},
		Bucket:     "missing_state",
		SeenBucket: "missing_seen",
	}, time.Minute)
	if err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestWindowDocRoundTripGroupsPoints(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1_700_000_000_000).UTC()
	window, _, err := decodeWindow([]byte(`{"width_ms":240000,"points":[{"at_ms":1700000000000,"n":3}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if window.Len() != 3 {
		t.Fatalf("expected 3 points, got %d", window.Len())
	}
	window.Add(at, 1, "tok")
	body, err := encodeWindow(&window, 240*time.Second)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"width_ms":240000,"points":[{"at_ms":1700000000000,"n":3},{"at_ms":1700000000000,"n":1,"token":"tok"}]}`
	if string(body) != want {
		t.Fatalf("unexpected document %s", body)
	}
}
