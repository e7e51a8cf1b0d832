package main

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austin-smith/fusion-bridge-sub007/internal/broker"
	"github.com/austin-smith/fusion-bridge-sub007/internal/fanout"
	"github.com/austin-smith/fusion-bridge-sub007/internal/handlers"
	"github.com/austin-smith/fusion-bridge-sub007/internal/metrics"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/config"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/logging"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/middleware"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/monitoring"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/redis"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/server"
	"github.com/austin-smith/fusion-bridge-sub007/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("fusion-bridge")

	config.LoadEnv(logger)

	logger.Info("Starting Fusion Bridge (event fan-out)")

	healthChecker := monitoring.NewHealthChecker("fusion-bridge", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("fusion-bridge", version.Version, version.GitCommit)

	serviceMetrics := &metrics.Metrics{
		ActiveConnections: metricsCollector.NewGauge("stream_connections_active", "Active streaming connections", []string{"organization"}),
		FramesDelivered:   metricsCollector.NewCounter("frames_delivered_total", "Frames delivered to streaming connections", []string{"event"}),
		PushFailures:      metricsCollector.NewCounter("push_failures_total", "Failed pushes to streaming connections", []string{"path"}),
		Evictions:         metricsCollector.NewCounter("connection_evictions_total", "Connections evicted by the engine", []string{"reason"}),
	}

	redisAddrs := strings.Split(config.RequireEnv("REDIS_ADDRS"), ",")
	redisCfg := redis.Config{
		Mode:       redis.Mode(config.GetEnv("REDIS_MODE", string(redis.ModeSingle))),
		Addrs:      redisAddrs,
		MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
		Username:   config.GetEnv("REDIS_USERNAME", ""),
		Password:   config.GetEnv("REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("REDIS_DB", 0),
	}
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := broker.NewAdapter(redisCfg, logger)
	if err := adapter.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}

	engineCfg := fanout.Config{
		CleanupInterval:        config.GetEnvDuration("CLEANUP_INTERVAL", time.Minute),
		MaxConnectionAge:       config.GetEnvDuration("MAX_CONNECTION_AGE", 24*time.Hour),
		StaleActivityThreshold: config.GetEnvDuration("STALE_ACTIVITY_THRESHOLD", 2*time.Hour),
		ShutdownReconnectDelay: config.GetEnvDuration("SHUTDOWN_RECONNECT_DELAY", 5*time.Second),
	}
	engine := fanout.NewEngine(engineCfg, adapter, logger, serviceMetrics)

	adapter.OnMessage(engine.Dispatch)
	adapter.OnStateChange(engine.HandleBackendDown, engine.HandleBackendUp)

	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(adapter.Commands()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"REDIS_ADDRS": strings.Join(redisAddrs, ","),
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return adapter.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })

	h := handlers.NewHandlers(engine, adapter, logger)

	router := server.SetupServiceRouter(logger, "fusion-bridge", healthChecker, metricsCollector)
	router.GET("/events/stream", h.HandleEventStream)
	router.GET("/ws/events", h.HandleWebSocket)

	internal := router.Group("/internal")
	internal.Use(middleware.ServiceAuthMiddleware(serviceToken))
	internal.POST("/events/publish", h.HandlePublish)

	admin := router.Group("/admin")
	admin.Use(middleware.ServiceAuthMiddleware(serviceToken))
	admin.GET("/stats", h.HandleStats)
	admin.POST("/stats/reset", h.HandleResetStats)
	admin.GET("/connections", h.HandleConnectionCount)

	router.NoRoute(h.HandleNotFound)

	serverCfg := server.DefaultConfig("fusion-bridge", "18017")
	serverCfg.OnShutdown = func(shutdownCtx context.Context) {
		engine.NotifyShutdown()
		engine.DrainConnections(shutdownCtx)
		cancel()
		if err := g.Wait(); err != nil {
			logger.WithError(err).Warn("Background workers exited with error")
		}
		if err := adapter.Close(); err != nil {
			logger.WithError(err).Warn("Error closing backend connections")
		}
	}

	if err := server.Start(serverCfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server shutdown failed")
	}
}
