// Package grpc hosts the gateway's gRPC health service.
package grpc

import (
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-gateway/internal/observability"
)

// HealthServer reports SERVING until Shutdown is called.
type HealthServer struct {
	server  *grpc.Server
	health  *health.Server
	service string
	log     *zap.Logger
}

// NewHealthServer builds a gRPC server exposing the standard health service for service.
func NewHealthServer(service string, log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	return &HealthServer{server: server, health: hs, service: service, log: log}
}

// Serve accepts connections on lis until Shutdown.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.log.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Shutdown flips every status to NOT_SERVING and drains in-flight calls.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
