package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/term"

	"spritetel/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
)

var tokenPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b|-?\d+(?:\.\d+)?`)

// New builds the service logger from console/file sink settings.
// Params: cfg logging config with already-applied defaults.
// Returns: logger, close function for file sinks, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if cfg.Console.Enabled {
		var out io.Writer = os.Stdout
		if cfg.Console.Format == "line" && term.IsTerminal(int(os.Stdout.Fd())) {
			out = &colorLineWriter{dst: os.Stdout}
		}
		handler, err := newSinkHandler(out, cfg.Console)
		if err != nil {
			return nil, nil, fmt.Errorf("log.console: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("log.file: create dir: %w", err)
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("log.file: open %q: %w", cfg.File.Path, err)
		}
		handler, err := newSinkHandler(file, cfg.File)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("log.file: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closeFn, nil
	}
	return slog.New(&multiHandler{handlers: handlers}), closeFn, nil
}

// newSinkHandler creates text or JSON handler for one sink.
// Params: out destination writer; sink format/level settings.
// Returns: slog handler or error for unknown level/format.
func newSinkHandler(out io.Writer, sink config.LogSinkConfig) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	switch sink.Format {
	case "json":
		return slog.NewJSONHandler(out, options), nil
	case "line", "":
		return slog.NewTextHandler(out, options), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

// parseLevel maps config level names to slog levels.
// Params: level lower-case level name.
// Returns: slog level or error.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", level)
	}
}

// multiHandler dispatches records to every sink that accepts the level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithAttrs(attrs))
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithGroup(name))
	}
	return &multiHandler{handlers: next}
}

// colorLineWriter highlights level and value tokens of text log lines.
// Params: dst receives colored output.
// Returns: writer used by console line sink on terminals.
type colorLineWriter struct {
	dst io.Writer
}

// Write colors one rendered log line.
// Params: p raw line bytes from slog text handler.
// Returns: consumed length and write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	newline := ""
	if strings.HasSuffix(line, "\n") {
		line = strings.TrimSuffix(line, "\n")
		newline = "\n"
	}

	base := levelColor(line)
	if base == "" {
		if _, err := io.WriteString(w.dst, line+newline); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	var builder strings.Builder
	builder.Grow(len(line) + 64)
	builder.WriteString(base)

	cursor := 0
	for _, loc := range tokenPattern.FindAllStringIndex(line, -1) {
		start, end := loc[0], loc[1]
		token := line[start:end]
		color := tokenColor(line, start, end, token)
		if color == "" {
			continue
		}
		builder.WriteString(line[cursor:start])
		builder.WriteString(color)
		builder.WriteString(token)
		builder.WriteString(ansiReset)
		builder.WriteString(base)
		cursor = end
	}
	builder.WriteString(line[cursor:])
	builder.WriteString(ansiReset)
	builder.WriteString(newline)

	if _, err := io.WriteString(w.dst, builder.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor selects base line color from the level field.
// Params: line rendered log line.
// Returns: ANSI color or empty string for unknown level.
func levelColor(line string) string {
	switch {
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	default:
		return ""
	}
}

// tokenColor picks color for one matched token, skipping digits embedded in words.
// Params: line full text; start/end token bounds; token matched text.
// Returns: ANSI color or empty string to leave token as-is.
func tokenColor(line string, start int, end int, token string) string {
	if strings.HasPrefix(token, `"`) {
		return ansiGreen
	}
	if start > 0 {
		prev := line[start-1]
		if prev != '=' && prev != ' ' {
			return ""
		}
	}
	if end < len(line) && line[end] != ' ' {
		return ""
	}
	if strings.Count(token, ".") == 3 {
		return ansiCyan
	}
	return ansiYellow
}
