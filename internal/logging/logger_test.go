package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"spritetel/internal/config"
)

// TestColorLineWriter_HighlightsLevelAndTokens verifies level and token coloring.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_HighlightsLevelAndTokens(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `level=INFO msg="hello" peer=10.20.30.40 retries=3`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	rendered := dst.String()
	if !strings.HasPrefix(rendered, ansiBlue) {
		t.Fatalf("expected INFO line base color")
	}
	if !strings.Contains(rendered, ansiGreen+`"hello"`+ansiReset+ansiBlue) {
		t.Fatalf("expected quoted string token color")
	}
	if !strings.Contains(rendered, ansiCyan+`10.20.30.40`+ansiReset+ansiBlue) {
		t.Fatalf("expected IP token color")
	}
	if !strings.Contains(rendered, ansiYellow+`3`+ansiReset+ansiBlue) {
		t.Fatalf("expected number token color")
	}
	if !strings.HasSuffix(rendered, ansiReset) {
		t.Fatalf("expected trailing reset sequence")
	}
}

// TestColorLineWriter_NoLevelColor verifies passthrough for unknown levels.
// Params: testing.T for assertions.
// Returns: none.
func TestColorLineWriter_NoLevelColor(t *testing.T) {
	var dst bytes.Buffer
	writer := &colorLineWriter{dst: &dst}

	line := `msg="plain" value=42`
	if _, err := writer.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := dst.String(); got != line {
		t.Fatalf("expected passthrough line, got %q", got)
	}
}

// TestNew_FileSinkWritesJSON verifies file sink creation and JSON output.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_FileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "spritetel.log")

	logger, closeFn, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "debug", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug("aggregate updated", "sprite", "alpha")
	closeFn()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"aggregate updated"`) {
		t.Fatalf("expected JSON record, got %q", raw)
	}
	if !strings.Contains(string(raw), `"sprite":"alpha"`) {
		t.Fatalf("expected sprite attribute, got %q", raw)
	}
}

// TestNew_RespectsSinkLevel verifies records below sink level are dropped.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_RespectsSinkLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")

	logger, closeFn, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "warn", Format: "line", Path: path},
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("visible")
	closeFn()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "hidden") {
		t.Fatalf("did not expect info record in warn sink: %q", raw)
	}
	if !strings.Contains(string(raw), "visible") {
		t.Fatalf("expected warn record, got %q", raw)
	}
}

// TestNew_RejectsUnknownLevel verifies sink level validation at construction.
// Params: testing.T for assertions.
// Returns: none.
func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{
		Console: config.LogSinkConfig{Enabled: true, Level: "loud", Format: "line"},
	})
	if err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
