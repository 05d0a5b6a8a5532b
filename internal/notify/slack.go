package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/permanent"

	"github.com/slack-go/slack"
)

// permanentSlackErrors lists Web API error codes that retries cannot fix.
var permanentSlackErrors = map[string]struct{}{
	"channel_not_found":   {},
	"not_in_channel":      {},
	"is_archived":         {},
	"invalid_auth":        {},
	"not_authed":          {},
	"account_inactive":    {},
	"token_revoked":       {},
	"missing_scope":       {},
	"msg_too_long":        {},
	"no_text":             {},
	"restricted_action":   {},
	"invalid_arguments":   {},
	"channel_is_archived": {},
}

// SlackSender posts notifications with Slack Web API chat.postMessage.
// Params: Slack client built from bot token and API base.
// Returns: Slack transport sender.
type SlackSender struct {
	client *slack.Client
}

// NewSlackSender creates Slack sender.
// Params: Slack notifier config.
// Returns: initialized sender.
func NewSlackSender(cfg config.SlackNotifier) *SlackSender {
	return &SlackSender{client: NewSlackClient(cfg, nil)}
}

// NewSlackClient builds Slack Web API client for notifier settings.
// Params: Slack notifier config and optional HTTP client.
// Returns: Slack API client.
func NewSlackClient(cfg config.SlackNotifier, httpClient *http.Client) *slack.Client {
	apiBase := strings.TrimSpace(cfg.APIBase)
	if apiBase != "" && !strings.HasSuffix(apiBase, "/") {
		apiBase += "/"
	}
	options := []slack.Option{}
	if apiBase != "" {
		options = append(options, slack.OptionAPIURL(apiBase))
	}
	if httpClient != nil {
		options = append(options, slack.OptionHTTPClient(httpClient))
	}
	return slack.New(cfg.BotToken, options...)
}

// Transport returns sender transport name.
func (s *SlackSender) Transport() string {
	return config.TransportSlack
}

// Send posts one plain-text message to Slack conversation.
// Params: context and notification payload.
// Returns: Slack API error, permanent when retry cannot help.
func (s *SlackSender) Send(ctx context.Context, notification domain.Notification) error {
	_, _, err := s.client.PostMessageContext(ctx, notification.Channel, slack.MsgOptionText(notification.Text, false))
	if err != nil {
		return classifySlackError(err)
	}
	return nil
}

// classifySlackError wraps Slack error and marks non-retryable API codes.
// Params: raw Slack client error.
// Returns: wrapped error.
func classifySlackError(err error) error {
	wrapped := fmt.Errorf("slack send: %w", err)
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		if _, ok := permanentSlackErrors[apiErr.Err]; ok {
			return permanent.Mark(wrapped)
		}
		return wrapped
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 && statusErr.Code != http.StatusTooManyRequests {
		return permanent.Mark(wrapped)
	}
	return wrapped
}
