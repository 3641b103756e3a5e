package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/database"
	"github.com/briefcast/briefcast/internal/handlers"
	"github.com/briefcast/briefcast/internal/middleware"
	"github.com/briefcast/briefcast/internal/providers"
	"github.com/briefcast/briefcast/internal/services"
	"github.com/briefcast/briefcast/internal/telemetry"
	"github.com/briefcast/briefcast/internal/validation"
)

const scheduledBatchSweep = 30 * time.Second

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	db       *database.Database
	services *services.Services
	handlers *handlers.Handlers
	router   *gin.Engine

	stopBackground context.CancelFunc
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: setupLogger(cfg),
	}

	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	sim := providers.NewSimulator(cfg.Providers.SimulatedDelay)
	svcs, err := services.New(cfg, app.logger, db, services.ProviderSet{
		Video:   sim,
		Scripts: sim,
		Images:  sim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = svcs

	if err := svcs.Ledger.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	app.handlers = handlers.New(app.logger, svcs)

	if err := app.setupRouter(); err != nil {
		return nil, err
	}

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

// Start launches the background machinery: the worker pool, the Kafka
// webhook notifier, the registration sweeper, and the scheduled-batch
// dispatcher.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopBackground = cancel

	a.services.Workers.Start(ctx)
	go a.services.Webhooks.StartSweeper(ctx)

	go func() {
		if err := a.services.Notifier.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.WithError(err).Error("Webhook notifier stopped")
		}
	}()

	go a.runBatchDispatcher(ctx)
}

func (a *App) runBatchDispatcher(ctx context.Context) {
	ticker := time.NewTicker(scheduledBatchSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dispatched, err := a.services.Orchestrator.DispatchDueBatches(ctx, now.UTC())
			if err != nil && ctx.Err() == nil {
				a.logger.WithError(err).Error("Scheduled batch sweep failed")
				continue
			}
			if dispatched > 0 {
				a.logger.WithField("batches", dispatched).Info("Dispatched scheduled batches")
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.stopBackground != nil {
		a.stopBackground()
	}
	a.services.Workers.Stop()

	if err := a.services.EventBus.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing event bus")
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		return err
	}

	return nil
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() error {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	validator, err := validation.NewSchemaValidator()
	if err != nil {
		return fmt.Errorf("failed to compile request schemas: %w", err)
	}
	vm := middleware.NewValidationMiddleware(validator)

	router := gin.New()

	// Global middleware
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config))
	router.Use(middleware.Compression())

	// Health and metrics endpoints (no auth required)
	router.GET("/health", a.handlers.Health.Health)
	router.GET("/ready", a.handlers.Health.Ready)
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	// Token exchange (no auth required)
	router.POST("/auth/token", a.handlers.Auth.Token)

	api := router.Group("/api/v1")
	{
		api.Use(middleware.Auth(a.services.Auth, a.logger))
		api.Use(middleware.RateLimit(a.services.RateLimiter, a.logger))
		api.Use(vm.ValidateHeaders())

		api.POST("/auth/revoke", a.handlers.Auth.Revoke)

		api.POST("/generate", vm.ValidateGenerationRequest(), a.handlers.Operations.Generate)

		operations := api.Group("/operations/:operationId")
		operations.Use(vm.ValidatePathParams())
		{
			operations.GET("", a.handlers.Operations.GetStatus)
			operations.DELETE("", a.handlers.Operations.Cancel)
			operations.POST("/webhook", vm.ValidateWebhookRegister(), a.handlers.Webhooks.Register)
			operations.GET("/webhook", a.handlers.Webhooks.Get)
			operations.DELETE("/webhook", a.handlers.Webhooks.Unregister)
		}

		batches := api.Group("/batches")
		{
			batches.POST("", vm.ValidateBatchCreate(), a.handlers.Batches.Create)
			batches.POST("/analyze", a.handlers.Batches.Analyze)

			batch := batches.Group("/:batchId")
			batch.Use(vm.ValidatePathParams())
			{
				batch.GET("", a.handlers.Batches.GetStatus)
				batch.DELETE("", a.handlers.Batches.Cancel)
				batch.POST("/process", a.handlers.Batches.Process)
				batch.POST("/optimize-schedule", a.handlers.Batches.OptimizeSchedule)
			}
		}

		admin := api.Group("/admin")
		{
			admin.GET("/cache/metrics", a.handlers.Cache.Metrics)
			admin.POST("/cache/invalidate", a.handlers.Cache.Invalidate)
			admin.POST("/cache/reset-metrics", a.handlers.Cache.ResetMetrics)
			admin.POST("/cache/warm", a.handlers.Cache.Warm)

			admin.GET("/queue/stats", a.handlers.Admin.QueueStats)
			admin.GET("/events/stats", a.handlers.Admin.EventStats)
			admin.GET("/quota/usage", a.handlers.Admin.QuotaUsage)
		}
	}

	a.router = router
	return nil
}
