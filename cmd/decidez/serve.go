package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"github.com/matt-riley/decidez/internal/cache"
	"github.com/matt-riley/decidez/internal/compose"
	"github.com/matt-riley/decidez/internal/config"
	"github.com/matt-riley/decidez/internal/logging"
	"github.com/matt-riley/decidez/internal/metrics"
	"github.com/matt-riley/decidez/internal/middleware"
	"github.com/matt-riley/decidez/internal/provider"
	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/ruleset"
	"github.com/matt-riley/decidez/internal/server"
	"github.com/matt-riley/decidez/internal/service"
	"github.com/matt-riley/decidez/internal/tracing"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	tracerShutdownTimeout = 5 * time.Second
)

type serveOptions struct {
	migrate  bool
	segments []string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root.configFile, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply pending migrations before serving")
	cmd.Flags().StringSliceVar(&opts.segments, "segment", nil, "segment added to every evaluation context (repeatable)")
	return cmd
}

func runServe(ctx context.Context, configFile string, opts *serveOptions) error {
	launched := time.Now()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if opts.migrate {
		if err := runMigrations(pool); err != nil {
			return err
		}
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	evalCache := cache.New(
		cache.WithObserver(m.EvaluationCache()),
		cache.WithLogger(log),
		cache.WithSweepInterval(cfg.CacheSweepInterval),
		cache.WithPressureSignal(cache.HeapPressure(ctx, cfg.HeapLimitBytes, cfg.HeapCheckInterval)),
	)
	go evalCache.Run(ctx)

	svcOpts := []service.Option{
		service.WithLogger(log),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.SetCacheSize),
		service.WithEvaluationMetrics(m.RecordEvaluation),
		service.WithEvaluationCache(evalCache),
		service.WithAmbientProviders(provider.NewRuntime(launched, provider.WithRuntimeSegments(opts.segments...))),
		service.WithLaunchTime(launched),
		service.WithResyncInterval(cfg.CacheResyncInterval),
	}

	if cfg.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, subject state degrades to request context", "addr", cfg.RedisAddr, "error", err)
		}
		store := provider.NewRedisStore(client,
			provider.WithRedisPrefix(cfg.RedisPrefix),
			provider.WithRedisLogger(log),
		)
		svcOpts = append(svcOpts, service.WithSubjectProvider(func(subject string) compose.Provider {
			return store.Subject(subject)
		}))
	}

	if cfg.RulesFile != "" {
		watcher, err := ruleset.NewWatcher(cfg.RulesFile, ruleset.WithWatchLogger(log))
		if err != nil {
			return fmt.Errorf("load rules file: %w", err)
		}
		defer watcher.Close()
		go watcher.Run(ctx)
		svcOpts = append(svcOpts, service.WithRuleSource(watcher))
		log.Info("rules file loaded", "path", watcher.Path(), "decisions", len(watcher.Decisions()))
	}

	svc, err := service.New(ctx, repo, svcOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(limiter),
	}
	tokenValidator := &apiKeyTokenValidator{lookup: repo}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(svc, m, log, cfg, repo.Ping, tokenValidator, authOpts...),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			middleware.UnaryBearerAuthInterceptor(tokenValidator, authOpts...),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			middleware.StreamBearerAuthInterceptor(tokenValidator, authOpts...),
			m.StreamServerInterceptor(),
		),
	)
	server.RegisterDecisionServiceServer(grpcServer, server.NewGRPCServer(svc, cfg.StreamPollInterval))

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

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started", "version", version, "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// newHTTPHandler assembles the HTTP chain. The metrics middleware must wrap
// the route mux directly so it can read the matched pattern.
func newHTTPHandler(
	svc server.Service,
	m *metrics.Metrics,
	log *slog.Logger,
	cfg config.Config,
	healthCheck func(context.Context) error,
	tokenValidator middleware.TokenValidator,
	authOpts ...middleware.AuthOption,
) http.Handler {
	api := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithAuth(middleware.HTTPBearerAuthMiddleware(tokenValidator, authOpts...)),
		server.WithMetricsHandler(m.Handler()),
		server.WithHealthCheck(healthCheck),
	)
	return otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(m.HTTPMiddleware(api)), "decidez-http")
}
