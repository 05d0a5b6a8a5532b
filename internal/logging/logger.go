package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"chatwatch/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGray   = "\x1b[90m"
	ansiBlue   = "\x1b[34m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings; service is attached to every record.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig, service string) (*slog.Logger, func(), error) {
	return build(cfg, service, os.Stdout, openFile)
}

func openFile(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// build wires sink handlers with injectable console writer and file opener.
func build(cfg config.LogConfig, service string, console io.Writer, open func(string) (io.WriteCloser, error)) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)
	closeAll := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	if cfg.Console.Enabled {
		handler, err := sinkHandler(cfg.Console, &levelColorWriter{dst: console}, console, true)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		file, err := open(cfg.File.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		closers = append(closers, file)
		handler, err := sinkHandler(cfg.File, file, file, false)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if len(handlers) == 0 {
		return nil, nil, errors.New("no log sinks enabled")
	}

	var handler slog.Handler = fanout(handlers)
	if len(handlers) == 1 {
		handler = handlers[0]
	}
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger, closeAll, nil
}

// sinkHandler creates one slog handler for sink format.
// Params: sink settings, writer for line format, writer for json format, and console flag.
// Returns: handler or format/level error.
func sinkHandler(sink config.LogSinkConfig, lineDst, jsonDst io.Writer, console bool) (slog.Handler, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if console {
		opts.ReplaceAttr = dropTime
	}
	switch sink.Format {
	case "line":
		return slog.NewTextHandler(lineDst, opts), nil
	case "json":
		return slog.NewJSONHandler(jsonDst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", sink.Format)
	}
}

func dropTime(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return attr
}

// ParseLevel converts configuration level into slog.Level.
// Params: value is log level name, empty means info.
// Returns: slog level or error.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// fanout sends one record to every downstream handler accepting its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithGroup(name))
	}
	return next
}

// levelColorWriter wraps rendered text lines with a level color.
type levelColorWriter struct {
	dst io.Writer
}

// Write colors one line according to its level marker.
// Params: payload is rendered slog line.
// Returns: input length on success or write error.
func (w *levelColorWriter) Write(payload []byte) (int, error) {
	tone := levelColor(string(payload))
	if tone == "" {
		return w.dst.Write(payload)
	}
	line := strings.TrimSuffix(string(payload), "\n")
	if _, err := io.WriteString(w.dst, tone+line+ansiReset+"\n"); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func levelColor(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	default:
		return ""
	}
}
