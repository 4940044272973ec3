package otlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultShutdownTimeout = 5 * time.Second

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	receiver *Receiver
}

// Export ingests one metrics batch.
// Params: ctx request context; req decoded export request.
// Returns: empty success response; InvalidArgument for nil requests.
func (s *metricsService) Export(_ context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	if req == nil {
		s.receiver.RecordDecodeFailure(SignalMetrics)
		return nil, status.Error(codes.InvalidArgument, "empty metrics export request")
	}
	s.receiver.ConsumeMetrics(req)
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	receiver *Receiver
}

// Export ingests one logs batch.
// Params: ctx request context; req decoded export request.
// Returns: empty success response; InvalidArgument for nil requests.
func (s *logsService) Export(_ context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if req == nil {
		s.receiver.RecordDecodeFailure(SignalLogs)
		return nil, status.Error(codes.InvalidArgument, "empty logs export request")
	}
	s.receiver.ConsumeLogs(req)
	return &collogspb.ExportLogsServiceResponse{}, nil
}

// Register attaches OTLP metrics and logs services to a gRPC server.
// Params: server target gRPC server.
// Returns: none.
func (r *Receiver) Register(server *grpc.Server) {
	colmetricspb.RegisterMetricsServiceServer(server, &metricsService{receiver: r})
	collogspb.RegisterLogsServiceServer(server, &logsService{receiver: r})
}

// GRPCServer runs the OTLP/gRPC endpoint tied to a lifecycle context.
type GRPCServer struct {
	listen          string
	ln              net.Listener
	server          *grpc.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// GRPCServerOptions tunes the OTLP/gRPC endpoint.
type GRPCServerOptions struct {
	MaxRecvBytes    int64
	ShutdownTimeout time.Duration
}

// NewGRPCServer binds the listen address and registers OTLP services.
// Params: listen host:port; receiver shared ingestion receiver; opts limits and timeouts; logger for diagnostics.
// Returns: server instance or bind error.
func NewGRPCServer(listen string, receiver *Receiver, opts GRPCServerOptions, logger *slog.Logger) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", listen, err)
	}
	return NewGRPCServerOnListener(ln, receiver, opts, logger), nil
}

// NewGRPCServerOnListener wraps an existing listener.
// Params: ln bound listener; receiver shared ingestion receiver; opts limits and timeouts; logger for diagnostics.
// Returns: server instance.
func NewGRPCServerOnListener(ln net.Listener, receiver *Receiver, opts GRPCServerOptions, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	serverOpts := make([]grpc.ServerOption, 0, 1)
	if opts.MaxRecvBytes > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(int(opts.MaxRecvBytes)))
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	server := grpc.NewServer(serverOpts...)
	receiver.Register(server)

	return &GRPCServer{
		listen:          ln.Addr().String(),
		ln:              ln,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Addr returns the bound listen address.
// Params: none.
// Returns: listener address.
func (s *GRPCServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Close releases the listener of a server that never ran.
// Params: none.
// Returns: listener close error.
func (s *GRPCServer) Close() error {
	return s.ln.Close()
}

// Run serves until ctx is done, then stops gracefully with a forced fallback.
// Params: ctx lifecycle context.
// Returns: nil on stop; error when serving fails early.
func (s *GRPCServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			s.server.GracefulStop()
			close(stopped)
		}()

		timer := time.NewTimer(s.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-stopped:
		case <-timer.C:
			s.logger.Warn("otlp grpc graceful stop timed out, forcing", slog.String("listen", s.listen))
			s.server.Stop()
			<-stopped
		}

		err := <-errCh
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case err := <-errCh:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		s.logger.Error("otlp grpc server stopped unexpectedly", slog.String("listen", s.listen), slog.String("error", err.Error()))
		return err
	}
}
