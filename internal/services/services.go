package services

import (
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/database"
	"github.com/briefcast/briefcast/internal/ledger"
	"github.com/briefcast/briefcast/internal/messaging"
	"github.com/briefcast/briefcast/internal/providers"
	"github.com/briefcast/briefcast/internal/queue"
)

// ProviderSet bundles the external AI clients the worker pool drives.
type ProviderSet struct {
	Video   providers.VideoGenerator
	Scripts providers.ScriptGenerator
	Images  providers.ImageAnalyzer
}

type Services struct {
	Auth         *AuthService
	Health       *HealthService
	RateLimiter  *RateLimiter
	Ledger       *ledger.PostgresLedger
	Queue        *queue.VideoJobQueue
	EventBus     *messaging.EventBus
	Cache        *ContentCache
	Webhooks     *WebhookService
	Notifier     *WebhookNotifier
	Aggregator   *JobStatusAggregator
	Optimizer    *BatchOptimizer
	Quota        *QuotaService
	Orchestrator *BatchOrchestrator
	Workers      *VideoWorkerPool
}

// New wires the service graph. Provider clients are injected by the
// caller so the binary decides which implementations back the pipeline.
func New(cfg *config.Config, logger *logrus.Logger, db *database.Database, providers ProviderSet) (*Services, error) {
	authService := NewAuthService(cfg, logger, db.Redis.Hot)
	rateLimiter := NewRateLimiter(db.Redis.Hot, cfg)

	store := ledger.NewPostgresLedger(db.PG, logger)
	videoQueue := queue.NewVideoJobQueue(cfg, db.Redis.Hot, logger)
	healthService := NewHealthService(cfg, logger, db, videoQueue)

	eventBus, err := messaging.NewEventBus(cfg, logger)
	if err != nil {
		return nil, err
	}

	cache := NewContentCache(cfg, db.Redis.Warm, logger)
	webhooks := NewWebhookService(cfg, db.Redis.Hot, logger)
	notifier := NewWebhookNotifier(eventBus, webhooks, logger)
	aggregator := NewJobStatusAggregator(store, videoQueue, logger)
	optimizer := NewBatchOptimizer(logger)
	quota := NewQuotaService(store, cfg, logger)
	orchestrator := NewBatchOrchestrator(store, store, videoQueue, optimizer, quota, logger)

	workers := NewVideoWorkerPool(
		cfg, videoQueue, store,
		providers.Video, providers.Scripts, providers.Images,
		cache, eventBus, logger,
	)

	return &Services{
		Auth:         authService,
		Health:       healthService,
		RateLimiter:  rateLimiter,
		Ledger:       store,
		Queue:        videoQueue,
		EventBus:     eventBus,
		Cache:        cache,
		Webhooks:     webhooks,
		Notifier:     notifier,
		Aggregator:   aggregator,
		Optimizer:    optimizer,
		Quota:        quota,
		Orchestrator: orchestrator,
		Workers:      workers,
	}, nil
}
