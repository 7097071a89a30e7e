package grpcapi

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/session"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const servicePrefix = "labcore.device."

// ServiceName is the health service name of one device.
func ServiceName(deviceID string) string {
	return servicePrefix + deviceID
}

// HealthReporter mirrors session states into the standard gRPC health
// service, so load balancers and probes can watch single devices.
type HealthReporter struct {
	health *health.Server
	logger *zap.Logger
}

func NewHealthReporter(logger *zap.Logger) *HealthReporter {
	return &HealthReporter{
		health: health.NewServer(),
		logger: logger.Named("grpc-health"),
	}
}

// Track seeds the status of every known device.
func (h *HealthReporter) Track(infos []types.DeviceInfo) {
	for _, info := range infos {
		h.set(info.ID, info.State)
	}
}

// Emit makes the reporter an events.Sink.
func (h *HealthReporter) Emit(ev events.Event) {
	if ev.Kind != events.KindStateChanged {
		return
	}
	h.set(ev.DeviceID, ev.To)
}

func (h *HealthReporter) set(deviceID, state string) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == session.StateReady.String() || state == session.StateExecuting.String() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName(deviceID), status)
	h.logger.Debug("Health status updated",
		zap.String("device", deviceID),
		zap.String("status", status.String()))
}

// Shutdown reports NOT_SERVING everywhere and rejects later updates.
func (h *HealthReporter) Shutdown() {
	h.health.Shutdown()
}

var _ events.Sink = (*HealthReporter)(nil)

// Server is the gRPC listener of the process.
type Server struct {
	grpc   *grpc.Server
	port   int
	logger *zap.Logger
}

func NewServer(port int, reporter *HealthReporter, logger *zap.Logger) *Server {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, reporter.health)
	reflection.Register(s)
	return &Server{grpc: s, port: port, logger: logger}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve runs the server on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	go func() {
		s.logger.Info("gRPC server listening", zap.String("address", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight calls, falling back to a hard stop when ctx ends.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gRPC graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}
