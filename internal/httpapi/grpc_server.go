package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantguard.org/internal/obs"
)

// NewGRPCServer returns a server exposing grpc.health.v1 and the health server backing it. Host
// services registered on the same server get engine errors mapped to statuses.
func NewGRPCServer(logger *logrus.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = obs.Logger()
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryErrorInterceptor(logger)))
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// UnaryErrorInterceptor converts engine errors into gRPC statuses and logs server-side failures.
func UnaryErrorInterceptor(logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		st := GRPCStatus(err)
		entry := logger.WithFields(logrus.Fields{"method": info.FullMethod, "code": st.Code().String()})
		if st.Code() == codes.Internal {
			entry.WithError(err).Error("grpc call failed")
		} else {
			entry.Debug("grpc call rejected")
		}
		return nil, st.Err()
	}
}

// WatchReadiness pings ready every interval and publishes the result on hs until ctx is done.
func WatchReadiness(ctx context.Context, ready Pinger, hs *health.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	update := func() {
		serving := healthpb.HealthCheckResponse_SERVING
		if ready != nil {
			pingCtx, cancel := context.WithTimeout(ctx, readyTimeout)
			err := ready.Ping(pingCtx)
			cancel()
			if err != nil {
				serving = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		obs.SetReady(serving == healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus("", serving)
		hs.SetServingStatus(serviceName, serving)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
