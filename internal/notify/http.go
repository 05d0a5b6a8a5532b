package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/permanent"
)

// HTTPSender posts notification payload to configured webhook endpoint.
// Params: endpoint URL, method, and static headers.
// Returns: generic HTTP sender.
type HTTPSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewHTTPSender creates generic HTTP sender; timeouts come from dispatch context.
// Params: HTTP notifier config.
// Returns: initialized sender.
func NewHTTPSender(cfg config.HTTPNotifier) *HTTPSender {
	return &HTTPSender{cfg: cfg, client: &http.Client{}}
}

// Transport returns sender transport name.
func (s *HTTPSender) Transport() string {
	return config.TransportHTTP
}

// Send delivers JSON notification to webhook endpoint.
// Params: context and notification payload.
// Returns: transport or HTTP status error.
func (s *HTTPSender) Send(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode http notify payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build http notify request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("http notify", response)
	}
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Client errors other than 429 are marked permanent.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	var err error
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	trimmedBody := strings.TrimSpace(string(rawBody))
	switch {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmedBody == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	if isPermanentStatus(response.StatusCode) {
		return permanent.Mark(err)
	}
	return err
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}
