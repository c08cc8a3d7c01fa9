package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"opsgate.org/internal/obs"
)

const grpcServiceName = "opsgate.v1.Authorization"

// NewGRPCServer exposes the standard gRPC health service so orchestrators
// can probe the process over gRPC alongside the HTTP /readyz endpoint.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, h)
	return srv, h
}

// WatchReadiness keeps the gRPC health status in sync with the readiness
// probe until the context ends.
func WatchReadiness(ctx context.Context, h *health.Server, rp ReadyProbe, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_SERVING
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := rp.Check(checkCtx)
			cancel()
			if err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			obs.SetReady(err == nil)
			h.SetServingStatus(grpcServiceName, status)
			h.SetServingStatus("", status)
		}
	}
}
