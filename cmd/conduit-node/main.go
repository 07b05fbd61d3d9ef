package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/songzhibin97/conduit/internal/alert"
	redisdriver "github.com/songzhibin97/conduit/internal/alert/driver/redis"
	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/internal/controller"
	"github.com/songzhibin97/conduit/internal/controller/api"
	"github.com/songzhibin97/conduit/internal/endpoint"
	"github.com/songzhibin97/conduit/internal/governance/circuitbreaker"
	"github.com/songzhibin97/conduit/internal/health"
	"github.com/songzhibin97/conduit/internal/httpclient"
	"github.com/songzhibin97/conduit/internal/log/driver/stdout"
	"github.com/songzhibin97/conduit/internal/metrics"
	"github.com/songzhibin97/conduit/internal/proxy"
	"github.com/songzhibin97/conduit/internal/tracing"
	"github.com/songzhibin97/conduit/pkg/log"
)

var (
	configFile = flag.String("config", "config.yaml", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	// Version information
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Conduit Node %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log.SetDefault(logger)

	tp, err := tracing.NewTracerProvider(&cfg.Tracing, Version)
	if err != nil {
		logger.Fatal("failed to create tracer provider", log.Error(err))
	}

	// Metrics
	var (
		collector *metrics.Collector
		gatherer  prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector, err = metrics.New(&cfg.Metrics, reg)
		if err != nil {
			logger.Fatal("failed to register metrics", log.Error(err))
		}
		gatherer = reg
	}

	// Alerts and probe reporting
	reporters := health.MultiReporter{
		health.NewLogReporter(logger),
		health.NewMetricsReporter(collector),
	}
	var (
		producer alert.Producer
		history  api.HistorySource
		redis    *redisdriver.Driver
	)
	switch cfg.Alerts.Driver {
	case "redis":
		redis, err = redisdriver.New(&cfg.Alerts.Redis)
		if err != nil {
			logger.Fatal("failed to connect alert redis", log.Error(err))
		}
		producer = redis
		history = redis
		if cfg.Alerts.Redis.ReportProbes {
			reporters = append(reporters, redis)
		}
	case "none":
		producer = alert.Nop{}
	default:
		producer = alert.NewLogProducer(logger)
	}
	reporter := health.NewAsyncReporter(reporters, 4, 1024, logger)

	registry := proxy.NewRegistry(proxy.Dependencies{
		Clients:   httpclient.NewFactory(cfg.HTTPClient, logger),
		Endpoints: endpoint.NewManager(logger),
		Breakers:  circuitbreaker.NewRegistry(collector, logger),
		Reporter:  reporter,
		Alerts:    alert.NewAsync(producer, cfg.Alerts.SendTimeout, logger),
		Node:      nodeIdentity(cfg.Node),
		Metrics:   collector,
		Logger:    logger,
	})
	for _, apiCfg := range cfg.APIs {
		if _, err := registry.Deploy(apiCfg); err != nil {
			logger.Fatal("failed to deploy API", log.String(log.FieldAPI, apiCfg.ID), log.Error(err))
		}
	}

	server, err := proxy.NewServer(cfg.Server, proxy.NewHandler(registry, collector, logger), logger)
	if err != nil {
		logger.Fatal("failed to create gateway server", log.Error(err))
	}

	go func() {
		logger.Info("starting conduit node",
			log.String("address", cfg.Server.Address),
			log.String("version", Version),
			log.Int("apis", len(cfg.APIs)),
		)
		if err := server.Start(); err != nil {
			logger.Fatal("gateway server failed", log.Error(err))
		}
	}()

	var admin *controller.Server
	if cfg.Admin.Enabled {
		admin = controller.NewServer(cfg.Admin, api.NewHandler(registry, gatherer, history, logger), logger)
		go func() {
			if err := admin.Start(); err != nil {
				logger.Fatal("admin server failed", log.Error(err))
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down conduit node")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if admin != nil {
		if err := admin.Shutdown(ctx); err != nil {
			logger.Warn("admin server forced to shutdown", log.Error(err))
		}
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("gateway server forced to shutdown", log.Error(err))
	} else {
		logger.Info("gateway server gracefully stopped")
	}

	registry.Close()
	reporter.Close()
	if redis != nil {
		if err := redis.Close(); err != nil {
			logger.Warn("failed to close alert redis", log.Error(err))
		}
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("failed to shutdown tracer provider", log.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*stdout.StdoutLogger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	lc := stdout.DefaultConfig()
	lc.Level = level
	lc.EnableCaller = cfg.Caller
	if cfg.Output != "" {
		lc.Output = cfg.Output
	}
	if cfg.File.Path != "" {
		lc.File.Path = cfg.File.Path
	}
	if cfg.File.MaxSizeMB > 0 {
		lc.File.MaxSizeMB = cfg.File.MaxSizeMB
	}
	if cfg.File.MaxBackups > 0 {
		lc.File.MaxBackups = cfg.File.MaxBackups
	}
	if cfg.File.MaxAgeDays > 0 {
		lc.File.MaxAgeDays = cfg.File.MaxAgeDays
	}
	lc.File.Compress = cfg.File.Compress
	return stdout.New(lc)
}

func nodeIdentity(cfg config.NodeConfig) alert.Node {
	node := alert.Node{
		ID:           cfg.ID,
		Hostname:     cfg.Hostname,
		Organization: cfg.Organization,
		Environment:  cfg.Environment,
	}
	if node.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			node.Hostname = h
		}
	}
	return node
}
