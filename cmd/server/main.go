// Package main is the entry point for the condz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Create the repository and service (eagerly loading the condition cache).
//  4. Wire up the API key token validator.
//  5. Start the HTTP server (:8080), gRPC server (:9090), and, when
//     configured, the operator API on the tailnet.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/matt-riley/condz/internal/config"
	"github.com/matt-riley/condz/internal/logging"
	"github.com/matt-riley/condz/internal/metrics"
	"github.com/matt-riley/condz/internal/middleware"
	"github.com/matt-riley/condz/internal/repository"
	"github.com/matt-riley/condz/internal/server"
	"github.com/matt-riley/condz/internal/service"
	"github.com/matt-riley/condz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithFormat(cfg.LogLevel, logging.ParseFormat(cfg.LogFormat), os.Stdout)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(),
		tracing.WithServiceVersion(version),
		tracing.WithComponent("server"),
	)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := runMigrations(ctx, pool, log); err != nil {
			return err
		}
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	repo := repository.NewPostgresRepository(pool,
		repository.WithEventBatchSize(cfg.EventBatchSize),
		repository.WithNotifyChannel(cfg.NotifyChannel),
	)
	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.ResetCacheSize, m.SetCacheSize),
		service.WithEvaluationMetrics(m.RecordEvaluation, m.RecordIssue, m.RecordResolve),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithMaxConditionDepth(cfg.MaxConditionDepth),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()
	authOpts := []middleware.AuthOption{
		middleware.WithRateLimiter(limiter),
		middleware.WithOnAuthFailure(m.IncAuthFailures),
	}
	validator := middleware.NewAPIKeyValidator(repo)

	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithStreamMetrics(m),
		server.WithMetricsHandler(m.Handler()),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(newHTTPHandler(apiHandler, validator, log, m, authOpts...), "condz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := newGRPCServer(svc, validator, log, m, cfg.StreamPollInterval, authOpts...)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	var operator *operatorServer
	if cfg.AdminHostname != "" {
		operator, err = startOperatorServer(cfg, repo, svc, log)
		if err != nil {
			return err
		}
		defer operator.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	if operator != nil {
		g.Go(operator.Serve)
	}

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr, "version", version)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP: %w", err))
		}
		if operator != nil {
			if err := operator.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown operator API: %w", err))
			}
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newHTTPHandler exposes /v1/ behind bearer auth and keeps /healthz and
// /metrics public. Request logging and metrics wrap every route.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, log *slog.Logger, m *metrics.Metrics, opts ...middleware.AuthOption) http.Handler {
	protected := middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return middleware.HTTPRequestLogging(log)(m.HTTPMiddleware(mux))
}

func newGRPCServer(svc server.Service, validator middleware.TokenValidator, log *slog.Logger, m *metrics.Metrics, poll time.Duration, opts ...middleware.AuthOption) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
			middleware.UnaryBearerAuthInterceptor(validator, opts...),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
			middleware.StreamBearerAuthInterceptor(validator, opts...),
		),
	)
	server.RegisterConditionServiceServer(s, server.NewGRPCServer(svc,
		server.WithGRPCStreamPollInterval(poll),
		server.WithGRPCStreamMetrics(m),
	))
	return s
}
