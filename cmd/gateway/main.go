package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/mktdata-gateway/internal/config"
	"github.com/SkynetNext/mktdata-gateway/internal/gateway"
	"github.com/SkynetNext/mktdata-gateway/internal/logger"
	"github.com/SkynetNext/mktdata-gateway/internal/redis"
	"github.com/SkynetNext/mktdata-gateway/internal/tracing"
	"github.com/SkynetNext/mktdata-gateway/internal/transport/wsclient"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	var reloadInterval time.Duration
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.DurationVar(&reloadInterval, "reload-interval", 30*time.Second, "Configuration reload interval, 0 disables reloading")
	flag.Parse()

	// Initialize logger (read from environment variable or use default)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}
	if os.Getenv("LOG_LEVEL") == "" && cfg.LogLevel != "" {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			logger.L.Warn("Invalid log level", zap.String("level", cfg.LogLevel), zap.Error(err))
		}
	}

	// Initialize tracing (optional, if an OTLP endpoint is configured)
	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Init("mktdata-gateway", version, cfg.Tracing.Endpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", cfg.Tracing.Endpoint))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional: universe loading, update publishing and status snapshots
	var redisCli *redis.Client
	var publisher *redis.Publisher
	var opts []gateway.Option
	if cfg.Redis.Addr != "" {
		redisCli = redis.NewClient(&cfg.Redis)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisCli.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.L.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		opts = append(opts, gateway.WithStatusStore(redisCli, 10*time.Second))

		if cfg.Redis.PublishUpdates {
			publisher = redis.NewPublisher(redisCli, 4096)
			publisher.Start(ctx)
			opts = append(opts, gateway.WithUpdateListener(publisher.Listener()))
		}
	}

	// Connect and wait until every required service is open
	tr := wsclient.New(wsclient.Options{WriteTimeout: cfg.Session.WriteTimeout})
	gw, err := gateway.New(ctx, cfg, tr, opts...)
	if err != nil {
		logger.L.Fatal("Failed to create gateway", zap.Error(err))
	}

	if cfg.Server.HealthCheckPort > 0 {
		if err := gw.StartMetricsServer(cfg.Server.HealthCheckPort); err != nil {
			logger.L.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	// Subscription universe: configuration first, then Redis
	fields := cfg.Subscriptions.Fields
	securities := cfg.Subscriptions.Securities
	if cfg.Subscriptions.LoadFromRedis {
		universe, err := redisCli.LoadUniverse(ctx)
		if err != nil {
			logger.L.Fatal("Failed to load subscription universe", zap.Error(err))
		}
		fields = append(fields, universe.Fields...)
		securities = append(securities, universe.Securities...)
	}
	for _, name := range fields {
		if _, err := gw.AddField(name); err != nil {
			logger.L.Fatal("Failed to add field", zap.String("field", name), zap.Error(err))
		}
	}
	for _, ticker := range securities {
		if _, err := gw.AddSecurity(ticker); err != nil {
			logger.L.Fatal("Failed to add security", zap.String("security", ticker), zap.Error(err))
		}
	}
	if err := gw.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start gateway", zap.Error(err))
	}

	// Request limits can change without a restart
	if reloadInterval > 0 {
		reloader := config.NewHotReloadManager(cfg, gw.UpdateConfig)
		go func() {
			if err := reloader.WatchConfigFile(ctx, configPath, reloadInterval); err != nil && ctx.Err() == nil {
				logger.L.Warn("Config watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("Market data gateway started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.Int("fields", len(fields)),
		zap.Int("securities", len(securities)),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during gateway shutdown", zap.Error(err))
	}
	if publisher != nil {
		publisher.Close()
	}
	cancel()
	if redisCli != nil {
		if err := redisCli.Close(); err != nil {
			logger.L.Warn("Error closing Redis connection", zap.Error(err))
		}
	}

	// Shutdown tracing
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Market data gateway closed")
}
