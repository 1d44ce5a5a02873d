package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/richxcame/ride-dispatch/internal/dispatch"
	"github.com/richxcame/ride-dispatch/internal/pricing"
	"github.com/richxcame/ride-dispatch/internal/rides"
	"github.com/richxcame/ride-dispatch/internal/scheduler"
	"github.com/richxcame/ride-dispatch/pkg/common"
	"github.com/richxcame/ride-dispatch/pkg/config"
	"github.com/richxcame/ride-dispatch/pkg/database"
	"github.com/richxcame/ride-dispatch/pkg/errors"
	"github.com/richxcame/ride-dispatch/pkg/eventbus"
	"github.com/richxcame/ride-dispatch/pkg/logger"
	"github.com/richxcame/ride-dispatch/pkg/middleware"
	redisclient "github.com/richxcame/ride-dispatch/pkg/redis"
	"github.com/richxcame/ride-dispatch/pkg/tracing"
)

const (
	serviceName = "dispatch-service"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	rootCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	if err := logger.Init(cfg.Server.Environment, serviceName); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting dispatch service",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("dispatch_backend", cfg.Dispatch.Backend),
	)

	// Initialize Sentry for error tracking
	sentryConfig := errors.DefaultSentryConfig(cfg.Sentry.DSN, cfg.Server.Environment, version, serviceName)
	if err := errors.InitSentry(sentryConfig); err != nil {
		logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
		logger.Info("Sentry error tracking initialized successfully")
	}

	// Initialize OpenTelemetry tracer
	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	}, logger.Get())
	if err != nil {
		logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
	} else if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to shutdown tracer", zap.Error(err))
			}
		}()
		logger.Info("OpenTelemetry tracing initialized successfully")
	}

	if cfg.Database.RunMigrations {
		if err := database.Migrate(cfg.Database.URL()); err != nil {
			logger.Fatal("Failed to apply database migrations", zap.Error(err))
		}
		logger.Info("Database migrations applied")
	}

	db, err := database.NewPostgresPool(rootCtx, &cfg.Database, serviceName)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	logger.Info("Connected to database")

	staticSettings, err := pricing.NewStaticSettings(cfg.Pricing, cfg.Dispatch)
	if err != nil {
		logger.Fatal("Invalid pricing configuration", zap.Error(err))
	}

	var settings pricing.SettingsProvider = staticSettings
	if cfg.Pricing.FromDatabase {
		settings = pricing.Fallback{
			Primary:   pricing.NewRepository(db, cfg.Dispatch.DefaultRegion, cfg.Dispatch.OfferTTL()),
			Secondary: staticSettings,
		}
		logger.Info("Pricing settings loaded from database with static fallback")
	}

	healthChecks := map[string]common.Check{
		"database": func(ctx context.Context) error {
			return db.Ping(ctx)
		},
	}

	var publisher eventbus.Publisher = eventbus.NewLogPublisher(logger.Get())
	if cfg.NATS.Enabled {
		bus, err := eventbus.New(rootCtx, eventbus.Config{
			URL:        cfg.NATS.URL,
			Name:       serviceName,
			StreamName: cfg.NATS.StreamName,
		})
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer bus.Close()

		publisher = bus
		healthChecks["nats"] = bus.Check
		logger.Info("NATS event bus connected", zap.String("url", cfg.NATS.URL))
	} else {
		logger.Warn("NATS disabled, events and offers are only logged")
	}

	var (
		locks       dispatch.LockStore
		drivers     dispatch.DriverDirectory
		assignments dispatch.AssignmentRecorder
	)

	switch cfg.Dispatch.Backend {
	case "redis":
		redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("Failed to close redis client", zap.Error(err))
			}
		}()

		redisLocks := dispatch.NewRedisLockStore(redisClient.Client)
		redisDrivers := dispatch.NewRedisDirectory(redisClient.Client, redisLocks)
		locks, drivers, assignments = redisLocks, redisDrivers, redisDrivers
		healthChecks["redis"] = redisClient.Check
		logger.Info("Redis dispatch backend enabled", zap.String("addr", cfg.Redis.RedisAddr()))
	default:
		memoryLocks := dispatch.NewMemoryLockStore(nil)
		memoryDrivers := dispatch.NewMemoryDirectory(memoryLocks)
		locks, drivers, assignments = memoryLocks, memoryDrivers, memoryDrivers
		logger.Warn("In-memory dispatch backend enabled, locks are not shared between instances")
	}

	engine := rides.NewEngine(
		rides.NewPostgresRepository(db),
		settings,
		rides.WithNotifier(rides.Notifiers{
			rides.NewEventPublisher(publisher),
			dispatch.NewRideTracker(locks, assignments),
		}),
		rides.WithMaxConflictRetries(cfg.Dispatch.MaxConflictRetries),
	)

	coordinator := dispatch.NewCoordinator(engine, locks, drivers, dispatch.NewEventBroadcaster(publisher), settings)

	sweeper := dispatch.NewSweeper(coordinator, logger.Get(), cfg.Dispatch.SweepInterval())
	go sweeper.Start(rootCtx)
	defer sweeper.Stop()

	if cfg.Scheduler.Enabled {
		worker := scheduler.NewWorker(scheduler.NewScheduler(engine, settings), logger.Get(), cfg.Scheduler.Interval())
		go worker.Start(rootCtx)
		defer worker.Stop()
	} else {
		logger.Info("Recurrence scheduler disabled")
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	corsConfig := cors.DefaultConfig()
	if cfg.Server.CORSOrigins != "" {
		origins := strings.Split(cfg.Server.CORSOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.CorrelationIDHeader)
	corsConfig.ExposeHeaders = append(corsConfig.ExposeHeaders, middleware.CorrelationIDHeader)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestTimeout(time.Duration(cfg.Server.RequestTimeout) * time.Second))
	router.Use(middleware.RequestLogger(serviceName))
	router.Use(cors.New(corsConfig))

	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(serviceName))
	}

	// Add Sentry error handler (should be near the end of middleware chain)
	router.Use(middleware.ErrorHandler())

	router.GET("/health/live", common.LivenessProbe(serviceName, version))
	router.GET("/health/ready", common.ReadinessProbe(serviceName, version, healthChecks))
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": serviceName,
			"version": version,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	rides.NewHandler(engine).RegisterRoutes(api)
	dispatch.NewHandler(coordinator).RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancelWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
