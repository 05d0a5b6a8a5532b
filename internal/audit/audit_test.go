package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"chatwatch/internal/domain"
)

func openTestLog(t *testing.T, retain int) *SQLiteLog {
	t.Helper()

	log, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "audit.db"), retain)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestAppendAndRecentNewestFirst(t *testing.T) {
	t.Parallel()

	log := openTestLog(t, 0)
	ctx := context.Background()
	base := time.Date(2024, 4, 5, 10, 0, 0, 0, time.UTC)
	records := []domain.DispatchRecord{
		{At: base, RuleName: "db_errors", SourceChannel: "C1", Count: 10, Outcome: domain.OutcomeDelivered, Delivered: 1},
		{At: base.Add(time.Second), RuleName: "db_errors", SourceChannel: "C1", Count: 11, Outcome: domain.OutcomeFailed, Failed: 2,
			Errors: []string{"slack/C2: channel_not_found", "http/ops: timeout"}},
	}
	for _, record := range records {
		if err := log.Append(ctx, record); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Outcome != domain.OutcomeFailed || len(got[0].Errors) != 2 || got[0].Errors[0] != "slack/C2: channel_not_found" {
		t.Fatalf("unexpected newest record %+v", got[0])
	}
	if !got[1].At.Equal(base) || got[1].Errors != nil {
		t.Fatalf("unexpected oldest record %+v", got[1])
	}
}

func TestPruneKeepsNewestRows(t *testing.T) {
	t.Parallel()

	log := openTestLog(t, 3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := log.Append(ctx, domain.DispatchRecord{RuleName: "r", SourceChannel: "C", Count: i, Outcome: domain.OutcomeDelivered}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := log.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 || got[0].Count != 5 || got[2].Count != 3 {
		t.Fatalf("expected counts 5,4,3 after prune, got %+v", got)
	}
}

func TestHandlerServesRecent(t *testing.T) {
	t.Parallel()

	log := openTestLog(t, 0)
	if err := log.Append(context.Background(), domain.DispatchRecord{RuleName: "db_errors", SourceChannel: "C1", Count: 10, Outcome: domain.OutcomeDelivered, Delivered: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	response := httptest.NewRecorder()
	Handler(log).ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/alerts/recent?limit=5", nil))
	if response.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, response.Code)
	}
	var records []domain.DispatchRecord
	if err := json.Unmarshal(response.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(records) != 1 || records[0].RuleName != "db_errors" {
		t.Fatalf("unexpected records %+v", records)
	}

	response = httptest.NewRecorder()
	Handler(log).ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/alerts/recent?limit=zero", nil))
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestNopHandlerReturnsEmptyArray(t *testing.T) {
	t.Parallel()

	response := httptest.NewRecorder()
	Handler(Nop{}).ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/alerts/recent", nil))
	if got := response.Body.String(); got != "[]\n" {
		t.Fatalf("expected empty json array, got %q", got)
	}
}
