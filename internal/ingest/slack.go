package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// SlackHandler serves Slack Events API and slash command webhooks.
// Requests are verified with the signing secret and acknowledged before processing.
type SlackHandler struct {
	secret      string
	messages    MessageSink
	commands    CommandSink
	maxBodySize int64
	logger      *slog.Logger
	inflight    sync.WaitGroup
}

// NewSlackHandler creates Slack webhook handler.
// Params: slack ingest config, sinks, body limit, and optional logger.
// Returns: configured handler.
func NewSlackHandler(cfg config.SlackIngestConfig, messages MessageSink, commands CommandSink, maxBodySize int64, logger *slog.Logger) *SlackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackHandler{
		secret:      cfg.SigningSecret,
		messages:    messages,
		commands:    commands,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// Events returns the Events API handler.
func (h *SlackHandler) Events() http.Handler {
	return http.HandlerFunc(h.serveEvents)
}

// Commands returns the slash command handler.
func (h *SlackHandler) Commands() http.Handler {
	return http.HandlerFunc(h.serveCommands)
}

// Wait blocks until every acknowledged request finished processing.
func (h *SlackHandler) Wait() {
	h.inflight.Wait()
}

func (h *SlackHandler) serveEvents(writer http.ResponseWriter, request *http.Request) {
	body, ok := h.verifiedBody(writer, request)
	if !ok {
		return
	}
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		verification, ok := event.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		writer.Header().Set("Content-Type", "text/plain")
		_, _ = writer.Write([]byte(verification.Challenge))
	case slackevents.CallbackEvent:
		message, ok := slackMessage(event)
		if ok {
			h.async(func(ctx context.Context) error {
				return h.messages.HandleMessage(ctx, message)
			}, "message", message.Channel)
		}
		writer.WriteHeader(http.StatusOK)
	default:
		writer.WriteHeader(http.StatusOK)
	}
}

func (h *SlackHandler) serveCommands(writer http.ResponseWriter, request *http.Request) {
	body, ok := h.verifiedBody(writer, request)
	if !ok {
		return
	}
	request.Body = io.NopCloser(bytes.NewReader(body))
	slash, err := slack.SlashCommandParse(request)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	kind, ok := domain.ParseCommandKind(slash.Command)
	if !ok {
		writer.Header().Set("Content-Type", "text/plain")
		_, _ = writer.Write([]byte("unsupported command " + slash.Command))
		return
	}
	command := domain.Command{
		Kind:      kind,
		Channel:   slash.ChannelID,
		Transport: config.TransportSlack,
		User:      slash.UserID,
	}
	h.async(func(ctx context.Context) error {
		return h.commands.HandleCommand(ctx, command)
	}, "command", command.Channel)
	writer.WriteHeader(http.StatusOK)
}

// verifiedBody reads request body and checks Slack signature headers.
// Params: response writer for failures and incoming request.
// Returns: raw body and verification flag.
func (h *SlackHandler) verifiedBody(writer http.ResponseWriter, request *http.Request) ([]byte, bool) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	body, ok := readBody(writer, request, h.maxBodySize)
	if !ok {
		return nil, false
	}
	verifier, err := slack.NewSecretsVerifier(request.Header, h.secret)
	if err != nil {
		writer.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	if _, err := verifier.Write(body); err != nil {
		writer.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	if err := verifier.Ensure(); err != nil {
		writer.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// async runs processing after the webhook response so Slack sees a fast ack.
func (h *SlackHandler) async(fn func(ctx context.Context) error, kind, channel string) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		if err := fn(context.Background()); err != nil {
			h.logger.Error("slack ingest handle failed", "kind", kind, "channel", channel, "error", err.Error())
		}
	}()
}

// slackMessage converts callback envelope into chat message.
// Params: parsed Events API envelope.
// Returns: message and flag when inner event is a message event.
func slackMessage(event slackevents.EventsAPIEvent) (domain.Message, bool) {
	inner, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner == nil {
		return domain.Message{}, false
	}
	message := domain.Message{
		Channel:   inner.Channel,
		Text:      inner.Text,
		User:      inner.User,
		BotID:     inner.BotID,
		Subtype:   inner.SubType,
		Transport: config.TransportSlack,
	}
	if callback, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok && callback != nil {
		message.EventID = callback.EventID
	}
	if ts, err := strconv.ParseFloat(inner.TimeStamp, 64); err == nil && ts > 0 {
		message.TS = ts
	}
	return message, true
}
