// Package health serves the gRPC health checking protocol for a streamcache process: it is
// SERVING while every store the process depends on reports ready.
package health

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// DefaultWatchInterval is the cadence at which Watch re-evaluates readiness.
const DefaultWatchInterval = 5 * time.Second

// TargetService is the readiness of the stores behind the process.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

type Checker struct {
	healthv1pb.UnimplementedHealthServer
	TargetService
	TargetServiceName string
	// WatchInterval overrides DefaultWatchInterval when positive.
	WatchInterval time.Duration
}

func (o *Checker) known(service string) error {
	if service == "" || service == o.TargetServiceName {
		return nil
	}
	return status.Errorf(codes.NotFound, "service '%s' is not registered with the Health server", service)
}

func (o *Checker) servingStatus(ctx context.Context) (healthv1pb.HealthCheckResponse_ServingStatus, error) {
	ready, err := o.IsReady(ctx)
	switch {
	case err != nil:
		return healthv1pb.HealthCheckResponse_NOT_SERVING, err
	case !ready:
		return healthv1pb.HealthCheckResponse_NOT_SERVING, nil
	default:
		return healthv1pb.HealthCheckResponse_SERVING, nil
	}
}

func (o *Checker) Check(ctx context.Context, req *healthv1pb.HealthCheckRequest) (*healthv1pb.HealthCheckResponse, error) {
	if err := o.known(req.GetService()); err != nil {
		return nil, err
	}

	s, err := o.servingStatus(ctx)
	return &healthv1pb.HealthCheckResponse{Status: s}, err
}

// Watch sends the serving status immediately, then again whenever it changes, until the client
// goes away. A readiness error is reported as NOT_SERVING.
func (o *Checker) Watch(req *healthv1pb.HealthCheckRequest, stream healthv1pb.Health_WatchServer) error {
	if err := o.known(req.GetService()); err != nil {
		return err
	}

	interval := o.WatchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	ctx := stream.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := healthv1pb.HealthCheckResponse_UNKNOWN
	for {
		s, _ := o.servingStatus(ctx)
		if s != last {
			if err := stream.Send(&healthv1pb.HealthCheckResponse{Status: s}); err != nil {
				return err
			}
			last = s
		}

		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}
