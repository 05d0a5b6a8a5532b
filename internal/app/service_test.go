package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"chatwatch/internal/clock"
	"chatwatch/internal/config"
	"chatwatch/internal/domain"
)

type fakeSlackAPI struct {
	mu    sync.Mutex
	posts map[string][]string
}

func (f *fakeSlackAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/auth.test":
		_, _ = w.Write([]byte(`{"ok":true,"user_id":"U_BOT","bot_id":"B_BOT","team_id":"T1"}`))
	case "/chat.postMessage":
		_ = r.ParseForm()
		f.mu.Lock()
		if f.posts == nil {
			f.posts = map[string][]string{}
		}
		f.posts[r.FormValue("channel")] = append(f.posts[r.FormValue("channel")], r.FormValue("text"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C","ts":"1700000000.000100"}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeSlackAPI) postsTo(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts[channel]...)
}

func newTestService(t *testing.T, api *httptest.Server) *Service {
	t.Helper()

	dir := t.TempDir()
	body := fmt.Sprintf(`[log.console]
enabled = false

[log.file]
enabled = true
path = %q

[ingest.http]
enabled = true

[ingest.slack]
enabled = true
signing_secret = "secret"
resolve_identity = true

[notify.slack]
enabled = true
bot_token = "xoxb-test"
api_base = %q

[audit]
enabled = true
path = %q

[rule.db_errors]
source_channel = "C_LOGS"
keyword = "ERROR"
threshold = 2

[[rule.db_errors.notify]]
channel = "C_ALERTS"
text = "❗ db errors x{{ .Count }}"
`, filepath.Join(dir, "chatwatch.log"), api.URL, filepath.Join(dir, "audit.db"))
	path := filepath.Join(dir, "chatwatch.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = service.shutdown() })
	return service
}

func serve(service *Service, method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	response := httptest.NewRecorder()
	service.httpSrv.Handler.ServeHTTP(response, request)
	return response
}

func TestServiceEndToEndOverHTTP(t *testing.T) {
	t.Parallel()

	api := &fakeSlackAPI{}
	server := httptest.NewServer(api)
	defer server.Close()
	service := newTestService(t, server)

	if response := serve(service, http.MethodGet, "/healthz", ""); response.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", response.Code)
	}
	if response := serve(service, http.MethodGet, "/readyz", ""); response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before run, got %d", response.Code)
	}

	batch := `[{"channel":"C_LOGS","text":"ERROR one","event_id":"e1"},{"channel":"C_LOGS","text":"ERROR two","event_id":"e2"}]`
	if response := serve(service, http.MethodPost, "/events", batch); response.Code != http.StatusAccepted {
		t.Fatalf("expected accepted batch, got %d", response.Code)
	}
	if posts := api.postsTo("C_ALERTS"); len(posts) != 1 || posts[0] != "❗ db errors x2" {
		t.Fatalf("unexpected alert posts %q", posts)
	}

	if response := serve(service, http.MethodPost, "/commands", `{"command":"mute","channel":"C_ADMIN"}`); response.Code != http.StatusAccepted {
		t.Fatalf("expected accepted command, got %d", response.Code)
	}
	if posts := api.postsTo("C_ADMIN"); len(posts) != 1 {
		t.Fatalf("expected mute ack, got %q", posts)
	}

	response := serve(service, http.MethodGet, "/alerts/recent", "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected audit listing, got %d", response.Code)
	}
	var records []domain.DispatchRecord
	if err := json.Unmarshal(response.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != domain.OutcomeDelivered || records[0].Count != 2 {
		t.Fatalf("unexpected audit records %+v", records)
	}

	metricsBody := serve(service, http.MethodGet, "/metrics", "").Body.String()
	if !strings.Contains(metricsBody, `chatwatch_deliveries_total{result="ok",transport="slack"} 1`) {
		t.Fatalf("expected delivery metric, got:\n%s", metricsBody)
	}
}

func TestServiceResolvesSlackIdentity(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(&fakeSlackAPI{})
	defer server.Close()
	service := newTestService(t, server)

	if !service.manager.isSelf(domain.Message{User: "U_BOT"}) || !service.manager.isSelf(domain.Message{BotID: "B_BOT"}) {
		t.Fatalf("expected auth.test ids to be used for self filter")
	}
	if service.manager.isSelf(domain.Message{User: "U_HUMAN"}) {
		t.Fatalf("expected other users not filtered")
	}
}

func TestNewServiceRejectsRulesSharingStateKeys(t *testing.T) {
	t.Parallel()

	cases := map[string][2]string{
		"case":      {"DB", "db"},
		"separator": {`"db.errors"`, "db_errors"},
	}
	for name, names := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			var body strings.Builder
			body.WriteString("[log.console]\nenabled = false\n\n[ingest.http]\nenabled = true\n\n[notify.slack]\nenabled = true\nbot_token = \"xoxb-test\"\n")
			for i, rule := range names {
				fmt.Fprintf(&body, "\n[rule.%s]\nsource_channel = \"C_LOGS\"\nkeyword = \"k%d\"\nthreshold = 3\n\n[[rule.%s.notify]]\nchannel = \"C_ALERTS\"\ntext = \"hit\"\n", rule, i, rule)
			}
			path := filepath.Join(dir, "chatwatch.toml")
			if err := os.WriteFile(path, []byte(body.String()), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			source, err := config.FromCLI(path, "")
			if err != nil {
				t.Fatalf("config source: %v", err)
			}
			if _, err := LoadConfig(source); err == nil || !strings.Contains(err.Error(), "same counter key") {
				t.Fatalf("expected counter key collision error, got %v", err)
			}
			service, err := NewService(source, clock.RealClock{})
			if err == nil {
				_ = service.shutdown()
				t.Fatalf("expected service init to fail on colliding rules")
			}
		})
	}
}
