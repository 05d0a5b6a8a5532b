package ingest

import (
	"context"
	"io"
	"net/http"

	"chatwatch/internal/domain"
)

// MessageSink receives decoded chat messages from ingest interfaces.
// Params: context and decoded message.
// Returns: processing error (state backend failures only).
type MessageSink interface {
	HandleMessage(ctx context.Context, message domain.Message) error
}

// CommandSink receives administrative commands from ingest interfaces.
// Params: context and decoded command.
// Returns: processing error.
type CommandSink interface {
	HandleCommand(ctx context.Context, command domain.Command) error
}

// HTTPHandler decodes JSON messages and forwards them to sink.
// Params: sink receives validated messages, max body limits payload size.
// Returns: HTTP handler for generic message endpoint.
type HTTPHandler struct {
	sink        MessageSink
	maxBodySize int64
}

// NewHTTPHandler creates message ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink MessageSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one single or batch message request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/handle result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(writer, request, h.maxBodySize)
	if !ok {
		return
	}
	messages, err := decodeMessagePayload(body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	// Dispatch must finish even when the client disconnects.
	ctx := context.WithoutCancel(request.Context())
	for _, message := range messages {
		if err := h.sink.HandleMessage(ctx, message); err != nil {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	writer.WriteHeader(http.StatusAccepted)
}

// CommandHandler decodes generic mute/unmute requests.
// Params: command sink and max body size.
// Returns: HTTP handler for command endpoint.
type CommandHandler struct {
	sink        CommandSink
	maxBodySize int64
}

// NewCommandHandler creates command ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewCommandHandler(sink CommandSink, maxBodySize int64) *CommandHandler {
	return &CommandHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one command request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/handle result.
func (h *CommandHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, ok := readBody(writer, request, h.maxBodySize)
	if !ok {
		return
	}
	command, err := domain.DecodeCommand(body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.sink.HandleCommand(context.WithoutCancel(request.Context()), command); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}

// readBody reads size-limited request body.
// Params: writer for error status, request, and size limit.
// Returns: body bytes and success flag.
func readBody(writer http.ResponseWriter, request *http.Request, limit int64) ([]byte, bool) {
	if limit <= 0 {
		limit = 1 << 20
	}
	request.Body = http.MaxBytesReader(writer, request.Body, limit)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}
