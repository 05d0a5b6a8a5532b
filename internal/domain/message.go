package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is one inbound chat message event.
// Params: source channel, body text, optional event id for dedup, and author metadata.
// Returns: normalized message payload for rule processing.
type Message struct {
	EventID   string  `json:"event_id,omitempty"`
	Channel   string  `json:"channel"`
	Text      string  `json:"text"`
	User      string  `json:"user,omitempty"`
	BotID     string  `json:"bot_id,omitempty"`
	Subtype   string  `json:"subtype,omitempty"`
	TS        float64 `json:"ts,omitempty"`
	Transport string  `json:"transport,omitempty"`
}

// Malformed reports whether message lacks channel or text.
// Params: none.
// Returns: true when message cannot match any rule.
func (m Message) Malformed() bool {
	return strings.TrimSpace(m.Channel) == "" || m.Text == ""
}

// DecodeMessage decodes and validates one message payload.
// Params: JSON document bytes.
// Returns: validated message or decode/validation error.
func DecodeMessage(raw []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := message.Validate(); err != nil {
		return Message{}, err
	}
	return message, nil
}

// DecodeMessages decodes and validates one JSON array of messages.
// Params: JSON document bytes with array payload.
// Returns: validated messages or decode/validation error.
func DecodeMessages(raw []byte) ([]Message, error) {
	var messages []Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode message batch: %w", err)
	}
	if len(messages) == 0 {
		return nil, errors.New("message batch must contain at least one message")
	}
	for i := range messages {
		if err := messages[i].Validate(); err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return messages, nil
}

// Validate checks transport-level constraints only.
// Missing channel or text is not an error: such messages match nothing.
// Params: message fields parsed from transport.
// Returns: validation error when schema is violated.
func (m Message) Validate() error {
	if m.TS < 0 {
		return errors.New("ts must be >=0")
	}
	if len(m.EventID) > 256 {
		return errors.New("event_id must be <=256 bytes")
	}
	return nil
}
