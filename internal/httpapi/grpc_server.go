package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"custodia.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// OpsServer exposes the standard gRPC health service on a separate listener
// so orchestration probes do not contend with portal traffic.
type OpsServer struct {
	grpc   *grpc.Server
	health *health.Server
	probe  readinessChecker
	done   chan struct{}
}

// NewOpsServer wires the health service around the ready probe.
func NewOpsServer(probe readinessChecker) *OpsServer {
	s := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &OpsServer{
		grpc:   s,
		health: h,
		probe:  probe,
		done:   make(chan struct{}),
	}
}

// Serve blocks serving lis while a background loop refreshes the health
// status from the ready probe.
func (o *OpsServer) Serve(lis net.Listener) error {
	go o.refreshLoop()
	return o.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and stops the refresh loop.
func (o *OpsServer) Stop() {
	close(o.done)
	o.grpc.GracefulStop()
}

func (o *OpsServer) refreshLoop() {
	o.refresh()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.refresh()
		}
	}
}

func (o *OpsServer) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.probe.Check(ctx); err != nil {
		o.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return
	}
	o.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
}
