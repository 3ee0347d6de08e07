package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tenantguard.org/internal/httpapi"
	"tenantguard.org/internal/obs"
)

const shutdownTimeout = 10 * time.Second

var readinessInterval time.Duration

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its operational endpoints",
	Long: `Run the engine with its operational endpoints.

HTTP serves /healthz, /readyz, /v1/info and /metrics; gRPC serves grpc.health.v1.
When a Redis address is configured, cache invalidations are exchanged with
other processes over pub/sub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		obs.Init()
		obs.InitBuildInfo(version, commit)

		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(cmd.Context(), a)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&readinessInterval, "readiness-interval", 5*time.Second, "how often the database is pinged for readiness")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	ops := httpapi.NewOps(a.store, version, a.logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.RateLimit(ops.Handler(), cfg.HTTP.RateBurst, cfg.HTTP.RateLimit),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		a.logger.WithField("addr", httpSrv.Addr).Info("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	grpcSrv, hs := httpapi.NewGRPCServer(a.logger)
	g.Go(func() error {
		a.logger.WithField("addr", lis.Addr().String()).Info("grpc listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		httpapi.WatchReadiness(ctx, a.store, hs, readinessInterval)
		grpcSrv.GracefulStop()
		return nil
	})

	if a.bus != nil && a.svc.Cache() != nil {
		g.Go(func() error {
			listener, err := a.bus.Subscribe(ctx)
			if err != nil {
				return fmt.Errorf("subscribe invalidations: %w", err)
			}
			defer listener.Close()
			if err := listener.Run(ctx, a.svc.Cache()); err != nil {
				return fmt.Errorf("invalidation listener: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	a.logger.Info("shutdown complete")
	return err
}
