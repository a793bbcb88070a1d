package server

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/arkilian/vectordb/internal/logging"
)

// ServiceName is the gRPC health service name of the table engine.
const ServiceName = "vectordb.Engine"

// HealthServer is a gRPC server exposing the standard health service.
// It reports SERVING while the engine runs and NOT_SERVING once shutdown
// begins.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *logging.Logger
}

// NewHealthServer listens on addr. The service starts NOT_SERVING.
func NewHealthServer(addr string, logger *logging.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: failed to listen on gRPC address: %w", err)
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &HealthServer{
		server:   srv,
		health:   hs,
		listener: lis,
		logger:   logging.OrNoop(logger),
	}, nil
}

// Addr returns the listening address.
func (h *HealthServer) Addr() string {
	return h.listener.Addr().String()
}

// Serve serves in the background.
func (h *HealthServer) Serve() {
	go func() {
		h.logger.Info("server: gRPC health listening", "addr", h.Addr())
		if err := h.server.Serve(h.listener); err != nil {
			h.logger.Error("server: gRPC serve failed", "error", err)
		}
	}()
}

// SetServing flips the reported status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Close marks the service NOT_SERVING and stops the server gracefully.
func (h *HealthServer) Close() error {
	h.health.Shutdown()
	h.server.GracefulStop()
	return nil
}
