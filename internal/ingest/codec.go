package ingest

import (
	"bytes"
	"errors"

	"chatwatch/internal/domain"
)

// decodeMessagePayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated messages slice.
func decodeMessagePayload(raw []byte) ([]domain.Message, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	if payload[0] == '[' {
		return domain.DecodeMessages(payload)
	}
	message, err := domain.DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	return []domain.Message{message}, nil
}
