package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	muxtrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/gorilla/mux"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"github.com/rockcloud/sandboxctl/pkg/api"
	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/deployment"
	"github.com/rockcloud/sandboxctl/pkg/kv"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/manager"
	"github.com/rockcloud/sandboxctl/pkg/modelproxy"
	"github.com/rockcloud/sandboxctl/pkg/operator"
	"github.com/rockcloud/sandboxctl/pkg/operator/dockerop"
	"github.com/rockcloud/sandboxctl/pkg/operator/k8sop"
	"github.com/rockcloud/sandboxctl/pkg/proxy"
	"github.com/rockcloud/sandboxctl/pkg/reaper"
	"github.com/rockcloud/sandboxctl/pkg/scheduler"
)

func main() {
	cfg := config.LoadConfig()

	logger.Init(cfg.LogLevel)
	logger.Info("Initializing sandbox control plane")
	logger.Debug("Log level set to: %s", cfg.LogLevel)

	if os.Getenv("DD_AGENT_HOST") != "" {
		tracer.Start(tracer.WithServiceName("sandboxctl"))
		defer tracer.Stop()
		logger.Info("Datadog tracer started: agent=%s", os.Getenv("DD_AGENT_HOST"))
	}

	if cfg.APIKey == "" {
		log.Fatal("API_KEY environment variable is required")
	}

	var kvClient kv.Client
	if cfg.RedisAddr != "" {
		kvClient = kv.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("KV store: redis at %s (db %d)", cfg.RedisAddr, cfg.RedisDB)
	} else {
		logger.Info("KV store disabled (REDIS_ADDR set to empty): sandbox manager will rely entirely on the live operator view")
	}

	op, err := newOperator(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize %s operator: %v", cfg.OperatorBackend, err)
	}
	logger.Info("Operator backend: %s", cfg.OperatorBackend)

	deploymentSvc := deployment.New(op, os.Getenv("SANDBOX_STATUS_PATH"))
	mgr := manager.New(deploymentSvc, kvClient, cfg)
	sandboxProxy := proxy.New(mgr, cfg)

	var reaperInstance *reaper.Reaper
	if kvClient != nil {
		reaperInstance = reaper.New(kvClient, mgr, cfg)
		reaperInstance.Start()
		logger.Info("TTL reaper started: interval=%s", cfg.ReaperInterval)
	} else {
		logger.Info("TTL reaper disabled: no KV store configured")
	}

	fleetScheduler := scheduler.New(
		scheduler.NewRegistryHostLister(deploymentSvc.Registry()),
		cfg,
		[]scheduler.Task{scheduler.DiskImageCleanupTask(cfg.FleetCleanupInterval, cfg.FleetCleanupThreshold)},
	)
	fleetScheduler.Start()

	modelProxy := modelproxy.New(cfg)
	modelProxyServer := &http.Server{
		Addr:         ":" + cfg.ModelProxyPort,
		Handler:      modelProxy.Handler(),
		ReadTimeout:  cfg.ModelProxyRequestTimeout,
		WriteTimeout: cfg.ModelProxyRequestTimeout,
	}
	go func() {
		logger.Info("Model service proxy listening on %s", modelProxyServer.Addr)
		if err := modelProxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Info("Model service proxy stopped: %v", err)
		}
	}()

	handler := api.NewHandler(mgr, sandboxProxy, cfg)
	router, ok := handler.Router().(*mux.Router)
	if !ok {
		log.Fatal("api.Handler.Router() must return a *mux.Router")
	}
	var serverHandler http.Handler = router
	if os.Getenv("DD_AGENT_HOST") != "" {
		serverHandler = muxtrace.WrapRouter(router, muxtrace.WithServiceName("sandboxctl"))
	}

	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	logger.Info("Starting admin API server on %s", addr)
	logger.Info("Operator backend: %s, Namespace: %s", cfg.OperatorBackend, cfg.Namespace)
	logger.Info("Registry Prefix: %s", cfg.RegistryPrefix)

	server := &http.Server{
		Addr:         addr,
		Handler:      serverHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting...")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-quit
	logger.Info("Received shutdown signal: %v", sig)
	logger.Info("Gracefully shutting down server...")

	if reaperInstance != nil {
		reaperInstance.Stop()
	}
	fleetScheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := deploymentSvc.Shutdown(shutdownCtx); err != nil {
		logger.Info("Deployment service did not quiesce cleanly: %v", err)
	}
	if err := modelProxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Info("Model service proxy forced to shutdown: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Info("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	logger.Info("Server shutdown complete")
}

// newOperator picks the operator backend named by cfg.OperatorBackend.
func newOperator(cfg *config.Config) (operator.Operator, error) {
	switch cfg.OperatorBackend {
	case "kubernetes", "k8s":
		return k8sop.New(cfg)
	default:
		return dockerop.New(cfg)
	}
}
