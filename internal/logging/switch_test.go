package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// TestSwitch_SetRedirectsDerivedLoggers verifies loggers built before Set follow the new destination.
// Params: testing.T for assertions.
// Returns: none.
func TestSwitch_SetRedirectsDerivedLoggers(t *testing.T) {
	var first, second bytes.Buffer
	sw := NewSwitch(slog.NewTextHandler(&first, nil))

	logger := slog.New(sw).With(slog.String("component", "fanout"))
	logger.Info("before")

	sw.Set(slog.NewTextHandler(&second, &slog.HandlerOptions{Level: slog.LevelWarn}))
	logger.Info("dropped by level")
	logger.Warn("after")

	if !strings.Contains(first.String(), "msg=before component=fanout") {
		t.Fatalf("unexpected first sink output: %q", first.String())
	}
	if strings.Contains(first.String(), "after") {
		t.Fatalf("first sink received record after switch: %q", first.String())
	}
	out := second.String()
	if !strings.Contains(out, "msg=after component=fanout") || strings.Contains(out, "dropped") {
		t.Fatalf("unexpected second sink output: %q", out)
	}
}

// TestSwitch_SetNilKeepsDestination verifies a nil handler is ignored.
// Params: testing.T for assertions.
// Returns: none.
func TestSwitch_SetNilKeepsDestination(t *testing.T) {
	var dst bytes.Buffer
	sw := NewSwitch(slog.NewTextHandler(&dst, nil))
	sw.Set(nil)

	slog.New(sw).Info("kept")
	if !strings.Contains(dst.String(), "msg=kept") {
		t.Fatalf("expected record on original sink, got %q", dst.String())
	}
}
