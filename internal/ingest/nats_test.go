package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/test/testutil"

	"github.com/nats-io/nats.go"
)

func TestAssignDeliveryIDsIsStablePerStreamPosition(t *testing.T) {
	t.Parallel()

	batch := func() []domain.Message {
		return []domain.Message{
			{Channel: "C1", Text: "a"},
			{Channel: "C1", Text: "b", EventID: "Ev9"},
			{Channel: "C1", Text: "c"},
		}
	}
	first, replay := batch(), batch()
	assignDeliveryIDs(first, "CHAT", 42)
	assignDeliveryIDs(replay, "CHAT", 42)

	want := []string{"nats:CHAT:42:0", "Ev9", "nats:CHAT:42:2"}
	for i := range want {
		if first[i].EventID != want[i] || replay[i].EventID != want[i] {
			t.Fatalf("item %d: expected %q, got %q and %q", i, want[i], first[i].EventID, replay[i].EventID)
		}
	}

	other := batch()
	assignDeliveryIDs(other, "CHAT", 43)
	if other[0].EventID == first[0].EventID {
		t.Fatalf("expected different stream sequence to yield different id")
	}
}

// failOnceSink fails the first attempt of every message whose event id has the given suffix.
type failOnceSink struct {
	mu       sync.Mutex
	suffix   string
	failed   map[string]bool
	attempts []string
}

func (s *failOnceSink) HandleMessage(_ context.Context, message domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, message.EventID)
	if strings.HasSuffix(message.EventID, s.suffix) && !s.failed[message.EventID] {
		s.failed[message.EventID] = true
		return errors.New("store unavailable")
	}
	return nil
}

func (s *failOnceSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.attempts...)
}

func TestNATSSubscriberReplaysBatchWithSameIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url := testutil.StartLocalNATSServer(t)
	sink := &failOnceSink{suffix: ":1", failed: map[string]bool{}}
	subscriber, err := NewNATSSubscriber(config.NATSIngestConfig{
		URL:           []string{url},
		Subject:       "chat.messages",
		Stream:        "CHAT",
		ConsumerName:  "chatwatch",
		DeliverGroup:  "chatwatch",
		AckWaitSec:    5,
		NackDelayMS:   10,
		MaxDeliver:    5,
		MaxAckPending: 16,
		CreateStream:  true,
	}, sink, nil)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	defer subscriber.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	if _, err := js.Publish("chat.messages", []byte(`[{"channel":"C1","text":"a"},{"channel":"C1","text":"b"}]`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(sink.snapshot()) < 4 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	attempts := sink.snapshot()
	if len(attempts) != 4 {
		t.Fatalf("expected failed batch to be redelivered once, got attempts %v", attempts)
	}
	if attempts[0] != attempts[2] || attempts[1] != attempts[3] || attempts[0] == attempts[1] {
		t.Fatalf("expected replay to reuse per-item ids, got %v", attempts)
	}
	if !strings.HasPrefix(attempts[0], "nats:CHAT:") {
		t.Fatalf("unexpected synthetic id %q", attempts[0])
	}
}
