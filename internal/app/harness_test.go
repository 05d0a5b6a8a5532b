package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/metrics"
	"chatwatch/internal/notify"
	"chatwatch/internal/state"
)

const (
	harnessBase = `[ingest.http]
enabled = true

[notify.slack]
enabled = true
bot_token = "xoxb-test"`
	dbErrorsRule = `[rule.db_errors]
source_channel = "C_LOGS"
keyword = "ERROR"
threshold = 10

[[rule.db_errors.notify]]
channel = "C_ALERTS"
text = "❗ DB errors {{ .Count }}"
include_log = true`
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// chatSender records outbound notifications and fails for listed channels.
type chatSender struct {
	mu      sync.Mutex
	sent    []domain.Notification
	failFor map[string]bool
}

func (s *chatSender) Transport() string {
	return config.TransportSlack
}

func (s *chatSender) Send(_ context.Context, notification domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[notification.Channel] {
		return errors.New("channel_not_found")
	}
	s.sent = append(s.sent, notification)
	return nil
}

func (s *chatSender) setFailing(channel string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor == nil {
		s.failFor = map[string]bool{}
	}
	s.failFor[channel] = failing
}

func (s *chatSender) sentTo(channel string) []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, notification := range s.sent {
		if notification.Channel == channel {
			out = append(out, notification)
		}
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	records []domain.DispatchRecord
}

func (a *recordingAudit) Append(_ context.Context, record domain.DispatchRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return nil
}

func (a *recordingAudit) Recent(context.Context, int) ([]domain.DispatchRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.DispatchRecord(nil), a.records...), nil
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) outcomes() []domain.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Outcome, 0, len(a.records))
	for _, record := range a.records {
		out = append(out, record.Outcome)
	}
	return out
}

type harness struct {
	manager *Manager
	store   state.Store
	sender  *chatSender
	audit   *recordingAudit
	clock   *testClock
	metrics *metrics.Metrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustConfig(t *testing.T, sections ...string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(strings.Join(append([]string{harnessBase}, sections...), "\n\n")))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newHarness(t *testing.T, sections ...string) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, sections...)
}

func newHarnessWithStore(t *testing.T, store state.Store, sections ...string) *harness {
	t.Helper()

	cfg := mustConfig(t, sections...)
	clk := newTestClock()
	if store == nil {
		store = state.NewMemoryStore(clk.Now)
	}
	sender := &chatSender{}
	dispatcher, err := notify.NewDispatcherWithSenders(cfg, map[string]notify.Sender{config.TransportSlack: sender}, testLogger(), clk)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	auditLog := &recordingAudit{}
	metricSet := metrics.New()
	return &harness{
		manager: NewManager(cfg, testLogger(), store, dispatcher, auditLog, metricSet, clk),
		store:   store,
		sender:  sender,
		audit:   auditLog,
		clock:   clk,
		metrics: metricSet,
	}
}

func (h *harness) send(t *testing.T, channel, text string) {
	t.Helper()
	if err := h.manager.HandleMessage(context.Background(), domain.Message{Channel: channel, Text: text}); err != nil {
		t.Fatalf("handle message %q: %v", text, err)
	}
}

func (h *harness) sendN(t *testing.T, n int, channel, text string) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.send(t, channel, text)
	}
}

func (h *harness) scrapeMetrics(t *testing.T) string {
	t.Helper()
	response := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return response.Body.String()
}

func containsLine(text, line string) bool {
	for _, candidate := range strings.Split(text, "\n") {
		if candidate == line {
			return true
		}
	}
	return false
}
