package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meetmesh/internal/core/ports"
	"meetmesh/internal/core/services"
	httphandlers "meetmesh/internal/handlers/http"
	"meetmesh/internal/infrastructure/distributed"
	"meetmesh/internal/infrastructure/loadbalancer"
	"meetmesh/internal/infrastructure/middleware"
	"meetmesh/internal/infrastructure/monitoring"
	repositories "meetmesh/internal/infrastructure/repositories"
	signalinfra "meetmesh/internal/infrastructure/signal"
	"meetmesh/pkg/circuitbreaker"
	"meetmesh/pkg/config"
	pkgdistributed "meetmesh/pkg/distributed"
	"meetmesh/pkg/logger"
	"meetmesh/pkg/retry"
	"meetmesh/pkg/tracing"
	"meetmesh/pkg/utils"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; values already in the environment win.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger is not configured yet
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("MEETMESH_ENV"),
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	repoFactory, err := repositories.NewRepositoryFactory(rootCtx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	meetingRepo := repoFactory.MeetingRepository()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	clock := utils.SystemClock{}
	instanceID := uuid.NewString()

	var (
		publisher ports.EventPublisher
		locker    ports.Locker
	)
	if rdb := repoFactory.RedisClient(); rdb != nil {
		bus := distributed.NewEventBus(rdb, instanceID, log)
		publisher = bus
		locker = pkgdistributed.NewLockManager(rdb, "meetmesh:lock:")
		go func() {
			err := bus.Subscribe(rootCtx, func(ev *distributed.Event) error {
				log.Debugw("lifecycle event from peer instance",
					"instance_id", ev.InstanceID,
					"type", ev.Lifecycle.Type,
					"meeting_id", ev.Lifecycle.MeetingID,
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("lifecycle subscription stopped", "error", err)
			}
		}()
	}

	recorder := services.NewMeetingRecorder(meetingRepo, publisher, collector, recorderConfig(cfg, repoFactory.Backend()), log)
	registry := services.NewSessionRegistry(recorder, collector, clock, log)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	if cfg.Reaper.Enabled {
		reaper := services.NewStaleReaper(meetingRepo, locker, publisher, collector, clock, reaperConfig(cfg), log)
		go reaper.Run(rootCtx)
	}

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(repoFactory.Backend(), meetingRepo, cfg.Monitoring.HealthInterval, 2*time.Second)
	if rdb := repoFactory.RedisClient(); rdb != nil {
		health.AddRedisCheck(rdb, cfg.Monitoring.HealthInterval, 2*time.Second)
	}
	health.StartBackgroundChecks(rootCtx)

	gateway := signalinfra.NewWebSocketServer(registry, collector, clock, signalinfra.ConfigFromApp(cfg), log)
	meetingHandler := httphandlers.NewMeetingHandler(meetingRepo, registry, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.MetricsMiddleware(collector),
		middleware.LoggingMiddleware(zapLogger),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now().UTC(),
			"uptime":      time.Since(startTime).String(),
			"connections": gateway.ConnectionCount(),
			"rooms":       registry.Stats().Rooms,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	meetingHandler.SetupRoutes(router)
	affinity := loadbalancer.NewAffinity(cfg.Auth.JWTSecret, "meetmesh_instance", instanceID, 0, false)
	router.GET(cfg.Signal.Path,
		affinity.Middleware(),
		middleware.AuthMiddleware(authService, cfg.Auth.Required),
		gateway.HandleWebSocket,
	)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server",
			"address", cfg.Server.Address,
			"signal_path", cfg.Signal.Path,
			"backend", repoFactory.Backend(),
			"instance_id", instanceID,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting before the gateway ends open meetings so no join
	// slips in behind the shutdown.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing signaling connections", "error", err)
	}
	rootCancel()

	if err := recorder.Close(shutdownCtx); err != nil {
		log.Errorw("meeting writes not flushed", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("signaling server stopped")
}

func recorderConfig(cfg *config.Config, backend string) services.RecorderConfig {
	rc := services.DefaultRecorderConfig()
	rc.Backend = backend
	rc.Shards = cfg.Persistence.Shards
	rc.OperationTimeout = cfg.Persistence.OperationTimeout

	rc.Retry = retry.DefaultConfig()
	rc.Retry.MaxRetries = cfg.Persistence.MaxRetries
	rc.Retry.Enabled = cfg.Persistence.MaxRetries > 0

	rc.Breaker = circuitbreaker.DefaultConfig()
	if cfg.Persistence.BreakerThreshold > 0 {
		rc.Breaker.FailureThreshold = cfg.Persistence.BreakerThreshold
	}
	if cfg.Persistence.BreakerTimeout > 0 {
		rc.Breaker.Timeout = cfg.Persistence.BreakerTimeout
	}
	return rc
}

func reaperConfig(cfg *config.Config) services.ReaperConfig {
	rc := services.DefaultReaperConfig()
	rc.Interval = cfg.Reaper.Interval
	rc.StaleAfter = cfg.Reaper.StaleAfter
	if cfg.Reaper.LockTTL > 0 {
		rc.LockTTL = cfg.Reaper.LockTTL
	}
	return rc
}
