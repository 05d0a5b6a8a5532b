package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandKind identifies one administrative command.
type CommandKind string

const (
	// CommandMute suppresses all alert dispatch.
	CommandMute CommandKind = "mute"
	// CommandUnmute re-enables alert dispatch from a clean slate.
	CommandUnmute CommandKind = "unmute"
)

// Command is one administrative request with reply destination.
// Params: command kind plus channel/transport used for acknowledgment.
// Returns: normalized command for mute controller.
type Command struct {
	Kind      CommandKind `json:"command"`
	Channel   string      `json:"channel"`
	Transport string      `json:"transport,omitempty"`
	User      string      `json:"user,omitempty"`
}

// ParseCommandKind normalizes a command name with optional "!" or "/" prefix.
// Params: raw command token such as "!mute", "/unmute" or "mute".
// Returns: command kind and recognition flag.
func ParseCommandKind(raw string) (CommandKind, bool) {
	token := strings.ToLower(strings.TrimSpace(raw))
	token = strings.TrimLeft(token, "!/")
	switch CommandKind(token) {
	case CommandMute:
		return CommandMute, true
	case CommandUnmute:
		return CommandUnmute, true
	default:
		return "", false
	}
}

// CommandFromText detects text-convention commands inside a normal message.
// The check is prefix based so "!mute please" still mutes.
// Params: message body.
// Returns: command kind and detection flag.
func CommandFromText(text string) (CommandKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.HasPrefix(normalized, "!unmute"):
		return CommandUnmute, true
	case strings.HasPrefix(normalized, "!mute"):
		return CommandMute, true
	default:
		return "", false
	}
}

// DecodeCommand decodes one generic command request.
// Params: JSON document bytes.
// Returns: validated command or decode/validation error.
func DecodeCommand(raw []byte) (Command, error) {
	var payload struct {
		Command   string `json:"command"`
		Channel   string `json:"channel"`
		Transport string `json:"transport"`
		User      string `json:"user"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	kind, ok := ParseCommandKind(payload.Command)
	if !ok {
		return Command{}, fmt.Errorf("unsupported command %q", payload.Command)
	}
	if strings.TrimSpace(payload.Channel) == "" {
		return Command{}, fmt.Errorf("channel is required")
	}
	return Command{
		Kind:      kind,
		Channel:   strings.TrimSpace(payload.Channel),
		Transport: strings.TrimSpace(payload.Transport),
		User:      payload.User,
	}, nil
}
