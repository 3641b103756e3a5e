package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_jobs_enqueued_total", Help: "Video jobs enqueued"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_jobs_completed_total", Help: "Video jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_jobs_retried_total", Help: "Video jobs re-enqueued after a retryable failure"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_jobs_failed_total", Help: "Video jobs that exhausted retries or hit a terminal provider error"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "briefcast_queue_depth", Help: "Ready queue depth across priorities"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "briefcast_jobs_inflight", Help: "Jobs currently leased by workers"})
	BatchesCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_batches_created_total", Help: "Batches created"})
	WebhooksSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_webhooks_delivered_total", Help: "Webhook notifications delivered"})
	WebhooksDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_webhooks_dropped_total", Help: "Webhook notifications dropped after retry exhaustion"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_cache_hits_total", Help: "Provider-response cache hits"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_cache_misses_total", Help: "Provider-response cache misses"})
	CacheErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_cache_errors_total", Help: "Swallowed cache-store errors"})
	QuotaRejections  = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_quota_rejections_total", Help: "Requests rejected by quota checks"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "briefcast_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
)

// Handler exposes the /metrics endpoint with a singleton registration.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			QueueDepth,
			JobsInFlight,
			BatchesCreated,
			WebhooksSent,
			WebhooksDropped,
			CacheHits,
			CacheMisses,
			CacheErrors,
			QuotaRejections,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
