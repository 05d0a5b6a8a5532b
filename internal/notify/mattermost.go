package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/permanent"
)

var errEmptyPostID = errors.New("mattermost response missing id")

// MattermostSender posts notifications to Mattermost API posts endpoint.
// Params: server base URL and bot token; channel id comes from each notification.
// Returns: Mattermost sender.
type MattermostSender struct {
	cfg    config.MattermostNotifier
	client *http.Client
}

// NewMattermostSender creates Mattermost REST sender.
// Params: Mattermost notifier config.
// Returns: initialized sender.
func NewMattermostSender(cfg config.MattermostNotifier) *MattermostSender {
	return &MattermostSender{cfg: cfg, client: &http.Client{}}
}

// Transport returns sender transport name.
func (s *MattermostSender) Transport() string {
	return config.TransportMattermost
}

// Send posts one message to Mattermost channel.
// Params: context and notification payload.
// Returns: transport or HTTP error.
func (s *MattermostSender) Send(ctx context.Context, notification domain.Notification) error {
	payload := struct {
		ChannelID string `json:"channel_id"`
		Message   string `json:"message"`
	}{
		ChannelID: strings.TrimSpace(notification.Channel),
		Message:   notification.Text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode mattermost payload: %w", err))
	}

	endpoint := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/") + "/api/v4/posts"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build mattermost request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.BotToken))
	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("mattermost", response)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode mattermost response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return errEmptyPostID
	}
	return nil
}
