package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/permanent"
)

func TestSlackSenderPostsMessage(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		channels []string
		texts    []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		channels = append(channels, r.FormValue("channel"))
		texts = append(texts, r.FormValue("text"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("channel") == "C_GONE" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer server.Close()

	sender := NewSlackSender(config.SlackNotifier{BotToken: "xoxb-test", APIBase: server.URL})
	if err := sender.Send(context.Background(), domain.Notification{Channel: "C1", Text: "❗ alert"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := sender.Send(context.Background(), domain.Notification{Channel: "C_GONE", Text: "x"})
	if err == nil || !permanent.Is(err) {
		t.Fatalf("expected permanent channel_not_found error, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(channels) != 2 || channels[0] != "C1" || texts[0] != "❗ alert" {
		t.Fatalf("unexpected slack requests channels=%v texts=%v", channels, texts)
	}
}

func TestTelegramSenderUsesActionChatID(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		chatIDs []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		mu.Lock()
		chatIDs = append(chatIDs, r.FormValue("chat_id"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":-100123,"type":"group"}}}`)
	}))
	defer server.Close()

	sender, err := NewTelegramSender(config.TelegramNotifier{BotToken: "token", APIBase: server.URL})
	if err != nil {
		t.Fatalf("new telegram sender: %v", err)
	}
	if err := sender.Send(context.Background(), domain.Notification{Channel: "-100123", Text: "<b>not html</b>"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(chatIDs) != 1 || chatIDs[0] != "-100123" {
		t.Fatalf("unexpected chat ids %v", chatIDs)
	}
	if _, err := NewTelegramSender(config.TelegramNotifier{}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestMattermostSenderPostsToChannel(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		payloads []map[string]string
		auth     string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/posts" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		payloads = append(payloads, payload)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		switch payload["channel_id"] {
		case "forbidden":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"no access"}`))
		case "flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"post-1"}`))
		}
	}))
	defer server.Close()

	sender := NewMattermostSender(config.MattermostNotifier{BaseURL: server.URL + "/", BotToken: "mm-token"})
	if err := sender.Send(context.Background(), domain.Notification{Channel: "town", Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sender.Send(context.Background(), domain.Notification{Channel: "forbidden", Text: "x"}); !permanent.Is(err) {
		t.Fatalf("expected permanent 403 error, got %v", err)
	}
	if err := sender.Send(context.Background(), domain.Notification{Channel: "flaky", Text: "x"}); err == nil || permanent.Is(err) {
		t.Fatalf("expected transient 502 error, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if payloads[0]["channel_id"] != "town" || payloads[0]["message"] != "hello" {
		t.Fatalf("unexpected payload %v", payloads[0])
	}
	if auth != "Bearer mm-token" {
		t.Fatalf("unexpected auth header %q", auth)
	}
}

func TestHTTPSenderPostsJSON(t *testing.T) {
	t.Parallel()

	received := make(chan domain.Notification, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var notification domain.Notification
		if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- notification
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewHTTPSender(config.HTTPNotifier{URL: server.URL, Headers: map[string]string{"X-Token": "secret"}})
	err := sender.Send(context.Background(), domain.Notification{Transport: "http", Channel: "ops", RuleName: "r", Text: "t"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	notification := <-received
	if notification.Channel != "ops" || notification.RuleName != "r" {
		t.Fatalf("unexpected payload %+v", notification)
	}

	unauthorized := NewHTTPSender(config.HTTPNotifier{URL: server.URL})
	if err := unauthorized.Send(context.Background(), domain.Notification{Channel: "ops"}); !permanent.Is(err) {
		t.Fatalf("expected permanent 401 error, got %v", err)
	}
}
