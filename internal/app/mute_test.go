package app

import (
	"context"
	"testing"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/engine"
)

const muteRule = `[rule.db_errors]
source_channel = "C_LOGS"
keyword = "ERROR"
threshold = 3

[[rule.db_errors.notify]]
channel = "C_ALERTS"
text = "db {{ .Count }}"`

func TestMuteSuppressesAndUnmuteResets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, muteRule)
	h.sendN(t, 2, "C_LOGS", "ERROR")
	h.send(t, "C_ADMIN", "!mute")

	acks := h.sender.sentTo("C_ADMIN")
	if len(acks) != 1 || acks[0].Text != "🔇 Bot muted. All alerts are suspended." {
		t.Fatalf("unexpected mute ack %+v", acks)
	}
	muted, err := h.store.Muted(context.Background())
	if err != nil || !muted {
		t.Fatalf("expected muted flag, got %v err=%v", muted, err)
	}

	h.sendN(t, 5, "C_LOGS", "ERROR")
	if got := h.sender.sentTo("C_ALERTS"); len(got) != 0 {
		t.Fatalf("expected no alerts while muted, got %d", len(got))
	}

	h.send(t, "C_ADMIN", "  !UNMUTE ")
	acks = h.sender.sentTo("C_ADMIN")
	if len(acks) != 2 || acks[1].Text != "🔔 Bot unmuted." {
		t.Fatalf("unexpected unmute ack %+v", acks)
	}

	h.sendN(t, 2, "C_LOGS", "ERROR")
	if got := h.sender.sentTo("C_ALERTS"); len(got) != 0 {
		t.Fatalf("expected counters reset by mute, got %d alerts", len(got))
	}
	h.send(t, "C_LOGS", "ERROR")
	if got := h.sender.sentTo("C_ALERTS"); len(got) != 1 || got[0].Text != "db 3" {
		t.Fatalf("expected fresh alert after unmute, got %+v", got)
	}
}

func TestMuteWithoutResetKeepsCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, `[alert]
reset_on_mute = false`, muteRule)
	h.sendN(t, 2, "C_LOGS", "ERROR")
	if err := h.manager.Mute(context.Background(), "", "C_ADMIN"); err != nil {
		t.Fatalf("mute: %v", err)
	}
	count, err := h.store.RecordHits(context.Background(), engine.CounterKey(h.manager.rules[0]), h.clock.Now(), 0, 240*time.Second)
	if err != nil {
		t.Fatalf("record hits: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected counters retained on mute, got %d", count)
	}
}

func TestMuteIsIdempotentAndAcksEveryTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, muteRule)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.manager.HandleCommand(ctx, domain.Command{Kind: domain.CommandMute, Channel: "C_ADMIN"}); err != nil {
			t.Fatalf("mute %d: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := h.manager.HandleCommand(ctx, domain.Command{Kind: domain.CommandUnmute, Channel: "C_ADMIN", Transport: config.TransportSlack}); err != nil {
			t.Fatalf("unmute %d: %v", i, err)
		}
	}
	if got := h.sender.sentTo("C_ADMIN"); len(got) != 4 {
		t.Fatalf("expected 4 acks, got %d", len(got))
	}
	if exposition := h.scrapeMetrics(t); !containsLine(exposition, "chatwatch_muted 0") {
		t.Fatalf("expected muted gauge reset, got:\n%s", exposition)
	}
}

func TestAckFailureKeepsStateChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, muteRule)
	h.sender.setFailing("C_ADMIN", true)
	if err := h.manager.Mute(context.Background(), "", "C_ADMIN"); err != nil {
		t.Fatalf("expected ack failure to be absorbed, got %v", err)
	}
	muted, err := h.store.Muted(context.Background())
	if err != nil || !muted {
		t.Fatalf("expected mute to stand, got %v err=%v", muted, err)
	}
}

func TestMuteCommandDedupedByEventID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, muteRule)
	message := domain.Message{EventID: "EvMute", Channel: "C_ADMIN", Text: "!mute"}
	for i := 0; i < 2; i++ {
		if err := h.manager.HandleMessage(context.Background(), message); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if got := h.sender.sentTo("C_ADMIN"); len(got) != 1 {
		t.Fatalf("expected one ack for redelivered command, got %d", len(got))
	}
}
