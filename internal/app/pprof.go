package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	pprofhttp "net/http/pprof"
	"sync"
	"time"

	"spritetel/internal/config"
	"spritetel/internal/pipeline"
)

const pprofShutdownTimeout = 3 * time.Second

// startPprofServer starts optional pprof HTTP endpoint and wires graceful shutdown.
// Params: ctx controls lifecycle; cfg provides enabled/listen options; logger reports runtime events.
// Returns: stop function (idempotent) and startup error.
func startPprofServer(ctx context.Context, cfg config.PprofConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}
	return servePprof(ctx, listener, logger), nil
}

// servePprof serves profiling handlers on an already bound listener.
// Params: ctx stops the server when done; listener bound socket; logger reports runtime events.
// Returns: idempotent stop function that waits for shutdown.
func servePprof(ctx context.Context, listener net.Listener, logger *slog.Logger) func() {
	server := pipeline.NewHTTPServerOnListener("pprof", listener, newPprofMux(), pprofShutdownTimeout, logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- server.Run(runCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// newPprofMux routes the profiling handlers.
// Params: none.
// Returns: pprof mux.
func newPprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/pprof/", pprofhttp.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprofhttp.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprofhttp.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("POST /debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprofhttp.Trace)
	return mux
}
