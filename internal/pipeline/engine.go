package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"spritetel/internal/api"
	"spritetel/internal/config"
	"spritetel/internal/otlp"
)

// Engine owns the network runners serving one config generation.
// Params: runner list and logger.
// Returns: pipeline runtime engine.
type Engine struct {
	runners []runner
	addrs   Addrs
	logger  *slog.Logger
}

type runner interface {
	run(context.Context) error
}

// Addrs reports bound listener addresses; empty when an endpoint is disabled.
type Addrs struct {
	OTLPGRPC string
	OTLPHTTP string
	HTTP     string
}

// grpcRunner adapts the OTLP/gRPC server to the runner interface.
type grpcRunner struct {
	server *otlp.GRPCServer
}

func (r grpcRunner) run(ctx context.Context) error {
	return r.server.Run(ctx)
}

// httpRunner adapts a role-named HTTP server to the runner interface.
type httpRunner struct {
	server *HTTPServer
}

func (r httpRunner) run(ctx context.Context) error {
	return r.server.Run(ctx)
}

// NewFromConfig binds the OTLP gRPC, OTLP/HTTP and API listeners over shared state.
// Params: ctx build context; cfg validated runtime config; state long-lived stores; logger initialized logger.
// Returns: engine with bound listeners or bind error (already bound listeners are released).
func NewFromConfig(ctx context.Context, cfg *config.Config, state *State, logger *slog.Logger) (*Engine, error) {
	if state == nil {
		return nil, fmt.Errorf("pipeline state is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	var (
		runners []runner
		closers []func()
		addrs   Addrs
	)
	cleanup := func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}

	grpcServer, err := otlp.NewGRPCServer(cfg.OTLP.GRPCListen, state.Receiver, otlp.GRPCServerOptions{
		MaxRecvBytes:    cfg.OTLP.MaxBodyBytes,
		ShutdownTimeout: cfg.OTLP.ShutdownTimeout.Duration,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("otlp grpc: %w", err)
	}
	closers = append(closers, func() { _ = grpcServer.Close() })
	runners = append(runners, grpcRunner{server: grpcServer})
	addrs.OTLPGRPC = addrString(grpcServer.Addr())

	if !cfg.OTLP.HTTPDisabled {
		otlpHTTP, err := NewHTTPServer(
			"otlp_http",
			cfg.OTLP.HTTPListen,
			otlp.NewHTTPHandler(state.Receiver, cfg.OTLP.MaxBodyBytes, logger),
			cfg.OTLP.ShutdownTimeout.Duration,
			logger,
		)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, otlpHTTP.Close)
		runners = append(runners, httpRunner{server: otlpHTTP})
		addrs.OTLPHTTP = addrString(otlpHTTP.Addr())
	}

	router := api.NewRouter(api.Deps{
		Aggregates: state.Aggregates,
		Events:     state.Events,
		Lifecycle:  state.Lifecycle,
		Metrics:    state.Exporter.Handler(),
		Observers:  state.Hub.Handler(state.Aggregates),
	}, api.Options{
		DefaultLimit:    cfg.Events.DefaultLimit,
		TimelineMinutes: cfg.Events.TimelineMinutes,
	}, logger)

	apiServer, err := NewHTTPServer("api", cfg.HTTP.Listen, router, cfg.HTTP.ShutdownTimeout.Duration, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	runners = append(runners, httpRunner{server: apiServer})
	addrs.HTTP = addrString(apiServer.Addr())

	return &Engine{
		runners: runners,
		addrs:   addrs,
		logger:  logger,
	}, nil
}

// Addrs returns the bound listener addresses.
// Params: none.
// Returns: address set.
func (e *Engine) Addrs() Addrs {
	return e.addrs
}

// Run starts all runners and waits for context cancellation.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.runners) == 0 {
		e.logger.Warn("no listeners configured")
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(len(e.runners))

	for _, r := range e.runners {
		go func(activeRunner runner) {
			defer wg.Done()
			if err := activeRunner.run(ctx); err != nil {
				e.logger.Error("runner stopped with error", slog.String("error", err.Error()))
			}
		}(r)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
