package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"

	"spritetel/internal/config"
)

// TestStartPprofServer_Disabled verifies a disabled endpoint binds nothing.
// Params: t test context.
// Returns: none.
func TestStartPprofServer_Disabled(t *testing.T) {
	stop, err := startPprofServer(context.Background(), config.PprofConfig{Listen: "256.0.0.1:1"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("disabled pprof returned error: %v", err)
	}
	stop()
}

// TestStartPprofServer_BindFailure verifies listen errors are returned.
// Params: t test context.
// Returns: none.
func TestStartPprofServer_BindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer occupied.Close()

	_, err = startPprofServer(context.Background(), config.PprofConfig{Enabled: true, Listen: occupied.Addr().String()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatalf("expected bind error")
	}
}

// TestServePprof_ServesIndexUntilStopped verifies profiling routes and idempotent stop.
// Params: t test context.
// Returns: none.
func TestServePprof_ServesIndexUntilStopped(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()

	stop := servePprof(context.Background(), listener, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := http.Get("http://" + addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get index: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected index status: %d", resp.StatusCode)
	}

	stop()
	stop()

	if _, err := http.Get("http://" + addr + "/debug/pprof/"); err == nil {
		t.Fatalf("expected connection failure after stop")
	}
}

// TestServePprof_StopsWithContext verifies cancellation releases the listener.
// Params: t test context.
// Returns: none.
func TestServePprof_StopsWithContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	stop := servePprof(ctx, listener, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := http.Post("http://"+addr+"/debug/pprof/symbol", "text/plain", nil)
	if err != nil {
		t.Fatalf("post symbol: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected symbol status: %d", resp.StatusCode)
	}

	cancel()
	stop()

	if _, err := http.Get("http://" + addr + "/debug/pprof/"); err == nil {
		t.Fatalf("expected connection failure after cancel")
	}
}
