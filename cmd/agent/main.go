package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/bynar/internal/agent"
	"github.com/devrev/bynar/internal/agent/device"
	"github.com/devrev/bynar/internal/agent/ledger"
	"github.com/devrev/bynar/internal/client"
	"github.com/devrev/bynar/internal/config"
	"github.com/devrev/bynar/internal/health"
	"github.com/devrev/bynar/internal/metrics"
	"github.com/devrev/bynar/internal/service"
	"github.com/devrev/bynar/internal/util/workerpool"
)

func main() {
	configPath := flag.String("config", "/etc/bynar/agent.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
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

	logger = logger.With(zap.String("node_id", cfg.Node.ID))
	logger.Info("Starting bynar disk agent",
		zap.String("hostname", cfg.Node.Hostname),
		zap.String("arbiter", cfg.Coordinator.Address),
		zap.Bool("simulate", cfg.Device.Simulate),
		zap.Bool("replace_in_place", cfg.Device.ReplaceInPlace))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewAgentMetrics()

	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		logger.Fatal("Failed to open ledger", zap.Error(err))
	}
	defer l.Close()

	runner := &device.ExecRunner{Timeout: cfg.Device.CommandTimeout, Logger: logger.Named("exec")}
	prober := device.NewSmartProber(cfg.Device.SmartctlBinary, cfg.Monitor.Devices, cfg.Monitor.JournalDevices, runner, logger)
	controller := device.NewCephController(cfg.Device.CephBinary, cfg.Node.Hostname, cfg.Device.Simulate, runner, logger)

	// The proposer's per-operation timers own the retry policy.
	arbiter, err := client.NewArbiterClient(cfg.Coordinator.SingleAttempt(), logger)
	if err != nil {
		logger.Fatal("Failed to create arbiter client", zap.Error(err))
	}
	defer arbiter.Close()

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "probes",
		MaxWorkers: cfg.Monitor.Workers,
		QueueSize:  64,
		Logger:     logger,
	})

	monitor := agent.NewMonitor(agent.MonitorConfig{
		Interval:          cfg.Monitor.ScanInterval,
		ObservationWindow: cfg.Monitor.ObservationWindow,
		Thresholds:        agent.ThresholdsFromConfig(cfg.Monitor),
	}, prober, pool, m, logger.Named("monitor"))

	proposer := agent.NewProposer(agent.ProposerConfig{
		NodeID:            cfg.Node.ID,
		Hostname:          cfg.Node.Hostname,
		ReplaceInPlace:    cfg.Device.ReplaceInPlace,
		RetryBackoff:      cfg.Coordinator.RetryBackoff(),
		MaxBackoff:        cfg.Coordinator.MaxBackoff,
		MaxRetries:        cfg.Coordinator.MaxRetries,
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval,
	}, arbiter, controller, l, monitor, m, logger.Named("proposer"))

	var membership *service.MembershipService
	if cfg.Gossip.Enabled {
		membership, err = service.NewMembershipService(
			&service.MembershipConfig{BindPort: cfg.Gossip.BindPort, SeedNodes: cfg.Gossip.SeedNodes},
			service.MemberMeta{NodeID: cfg.Node.ID, Hostname: cfg.Node.Hostname, Role: service.RoleAgent},
			nil,
			nil,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to join gossip ring", zap.Error(err))
		}
	}

	// Metrics and health endpoints
	healthChecker := health.NewHealthChecker(logger)
	mux := http.NewServeMux()
	healthChecker.Register(mux)
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
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

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := proposer.Run(ctx); err != nil {
			logger.Error("Proposer stopped", zap.Error(err))
			cancel()
		}
	}()

	if membership != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.Monitor.ScanInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					membership.SetDiskCount(len(monitor.Reports()))
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully")
	cancel()
	wg.Wait()

	if membership != nil {
		if err := membership.Shutdown(); err != nil {
			logger.Warn("Failed to leave gossip ring", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := pool.Stop(10 * time.Second); err != nil {
		logger.Warn("Probe pool did not drain", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
