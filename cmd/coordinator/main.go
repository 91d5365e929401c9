package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devrev/bynar/internal/client"
	"github.com/devrev/bynar/internal/config"
	"github.com/devrev/bynar/internal/handler"
	"github.com/devrev/bynar/internal/health"
	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/safety"
	"github.com/devrev/bynar/internal/secrets"
	"github.com/devrev/bynar/internal/service"
	"github.com/devrev/bynar/internal/store"
	"github.com/devrev/bynar/internal/util/workerpool"
	"github.com/devrev/bynar/internal/wire"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./coordinator.yaml"
	}

	cfg, err := config.LoadCoordinator(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	defer secrets.Purge()

	logger.Info("Starting bynar arbiter",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_backend", cfg.Database.Backend),
		zap.Int("min_redundancy", cfg.Safety.MinRedundancy))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewCoordinatorMetrics()
	secretSource := secrets.NewFileSource(cfg.Secrets.Dir, logger)

	// Durable state
	var st store.Store
	switch cfg.Database.Backend {
	case "memory":
		logger.Warn("Using in-memory store; state is lost on restart")
		st = store.NewMemoryStore()
	default:
		err = secretSource.Use(cfg.Database.PasswordSecret, func(password string) error {
			pg, err := store.NewPostgresStore(
				cfg.Database.Host,
				cfg.Database.Port,
				cfg.Database.Database,
				cfg.Database.User,
				password,
				cfg.Database.MaxConnections,
				cfg.Database.MinConnections,
				logger,
			)
			st = pg
			return err
		})
		if err != nil {
			logger.Fatal("Failed to initialize store", zap.Error(err))
		}
	}
	defer st.Close()
	logger.Info("Store initialized")

	// Decision cache
	var cache store.DecisionCache
	if cfg.Redis.Enabled {
		err = secretSource.Use(cfg.Redis.PasswordSecret, func(password string) error {
			rc, err := store.NewRedisDecisionCache(cfg.Redis.Host, cfg.Redis.Port, password, cfg.Redis.DB, logger)
			cache = rc
			return err
		})
		if err != nil {
			logger.Fatal("Failed to initialize decision cache", zap.Error(err))
		}
	} else {
		cache = store.NewMemoryDecisionCache(10000)
	}
	defer cache.Close()
	logger.Info("Decision cache initialized", zap.Bool("redis", cfg.Redis.Enabled))

	// External clients
	healthClient := client.NewClusterHealthClient(cfg.ClusterHealth.Endpoint, cfg.ClusterHealth.Timeout, logger)
	ticketClient := client.NewTicketClient(
		cfg.Escalation.TicketEndpoint,
		cfg.Escalation.TicketProject,
		cfg.Escalation.TicketTokenSecret,
		secretSource,
		cfg.Escalation.RequestTimeout,
		logger,
	)
	notifier := client.NewWebhookNotifier(cfg.Escalation.NotifyWebhook, cfg.Escalation.RequestTimeout, logger)

	// Services
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "decisions",
		MaxWorkers: cfg.Workers.Shards,
		QueueSize:  cfg.Workers.QueueSize,
		Logger:     logger,
	})

	clusterHealth := service.NewClusterHealthService(
		healthClient,
		cfg.ClusterHealth.RefreshInterval,
		cfg.ClusterHealth.Timeout,
		cfg.Safety.StalenessThreshold(),
		m,
		logger,
	)
	clusterHealth.Start(ctx)

	escalation := service.NewEscalationService(st, ticketClient, notifier, m, logger)
	idempotency := service.NewIdempotencyService(cache, cfg.Redis.DecisionTTL, logger)

	coordinatorService := service.NewCoordinatorService(
		st,
		pool,
		clusterHealth,
		escalation,
		idempotency,
		service.CoordinatorOptions{
			Policy: safety.Policy{
				MinRedundancy:      cfg.Safety.MinRedundancy,
				StalenessThreshold: cfg.Safety.StalenessThreshold(),
			},
			AddRatePerMinute:  cfg.Safety.AddRatePerMinute,
			AddBurst:          cfg.Safety.AddBurst,
			RetryAfter:        time.Duration(cfg.Safety.RetryAfterSeconds) * time.Second,
			SweepInterval:     cfg.Escalation.SweepInterval,
			EscalationTimeout: cfg.Escalation.RequestTimeout,
		},
		m,
		logger,
	)
	coordinatorService.Start(ctx)

	var membership *service.MembershipService
	if cfg.Gossip.Enabled {
		membership, err = service.NewMembershipService(
			&service.MembershipConfig{BindPort: cfg.Gossip.BindPort, SeedNodes: cfg.Gossip.SeedNodes},
			service.MemberMeta{NodeID: cfg.Server.NodeID, Role: service.RoleArbiter},
			coordinatorService,
			m,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to join gossip ring", zap.Error(err))
		}
		logger.Info("Gossip membership started", zap.Int("bind_port", cfg.Gossip.BindPort))
	}

	logger.Info("All services initialized")

	// gRPC server
	grpcServer := grpc.NewServer()
	wire.RegisterArbiterServer(grpcServer, handler.NewArbiterHandler(coordinatorService, m, logger))

	// Metrics and health endpoints share one listener
	healthChecker := health.NewHealthChecker(logger)
	healthChecker.AddCheck("store", st.Ping)
	healthChecker.AddCheck("decision_cache", idempotency.Ping)
	healthChecker.AddCheck("cluster_health", clusterHealth.Check)

	mux := http.NewServeMux()
	healthChecker.Register(mux)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to create listener", zap.Error(err))
	}

	logger.Info("Starting gRPC server", zap.String("address", addr))

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- grpcServer.Serve(listener)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing stop")
		grpcServer.Stop()
	}

	if membership != nil {
		if err := membership.Shutdown(); err != nil {
			logger.Warn("Failed to leave gossip ring", zap.Error(err))
		}
	}
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	coordinatorService.Stop()
	clusterHealth.Stop()
	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Worker pool did not drain", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
